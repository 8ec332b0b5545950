package record

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/sammy180/onion-logger/internal/frame"
)

// Unmapped marks a layout slot whose field is read past but not stored.
const Unmapped Channel = -1

// headerFields name the three fixed leading fields. A headers file may list
// them before the channel names.
var headerFields = []string{"boxid", "time", "minutept"}

// DefaultOrder is the channel order of current Onion firmware. The two SGP
// input voltages are still transmitted but not stored.
var DefaultOrder = []string{
	"Ext_Temp", "Ext_Hum", "Ext_Pressure", "EC_Temp", "EC_Hum",
	"MOX_Temp", "MOX_Hum", "MOX_Pres", "MOX_Heat", "Ext_Gas",
	"EC0_NO2", "EC1_H2S", "EC2_SO2", "EC3_VOC",
	"EC0_Ref", "EC1_Ref", "EC2_Ref", "EC3_Ref",
	"CO2", "ENS160", "SGPVRaw", "SGPNRaw",
	"SGPVin", "SGPNin",
	"TGS2603", "TGS2620", "TGS2602",
	"HP0", "HP1", "HP2", "HP3", "Error",
}

var errNotFinite = errors.New("not a finite number")

// FieldError reports a channel field that was not a number. The channel is
// left without a value; the rest of the frame is unaffected.
type FieldError struct {
	Channel  Channel
	Position int
	Raw      string
	Err      error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("record: field %d (%s) %q: %v", e.Position, e.Channel, e.Raw, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Layout maps frame positions 3.. to channels. It is resolved once from the
// configured name list and then shared read-only by every decoder.
type Layout struct {
	names []string
	slots []Channel
}

// NewLayout resolves an ordered list of channel names. Names that match no
// channel keep their position but are skipped; they are returned so the
// caller can report them.
func NewLayout(names []string) (Layout, []string) {
	names = trimHeaderFields(names)
	l := Layout{names: append([]string(nil), names...), slots: make([]Channel, 0, len(names))}
	var unknown []string
	for _, name := range names {
		c, ok := ChannelByName(name)
		if !ok {
			c = Unmapped
			unknown = append(unknown, name)
		}
		l.slots = append(l.slots, c)
	}
	return l, unknown
}

// DefaultLayout is the layout for DefaultOrder.
func DefaultLayout() Layout {
	l, _ := NewLayout(DefaultOrder)
	return l
}

// LoadLayout reads one channel name per line from a headers file.
func LoadLayout(path string) (Layout, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return Layout{}, nil, fmt.Errorf("open headers %s: %w", path, err)
	}
	defer f.Close()
	names, err := ReadNames(f)
	if err != nil {
		return Layout{}, nil, fmt.Errorf("read headers %s: %w", path, err)
	}
	l, unknown := NewLayout(names)
	return l, unknown, nil
}

// ReadNames reads non-empty, non-comment lines as channel names.
func ReadNames(r io.Reader) ([]string, error) {
	var names []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	return names, sc.Err()
}

func trimHeaderFields(names []string) []string {
	if len(names) < len(headerFields) {
		return names
	}
	for i, h := range headerFields {
		if !strings.EqualFold(strings.TrimSpace(names[i]), h) {
			return names
		}
	}
	return names[len(headerFields):]
}

// Names returns the configured name of every slot, in frame order,
// including names that match no channel.
func (l Layout) Names() []string { return append([]string(nil), l.names...) }

// Slots returns the number of channel positions the layout reads.
func (l Layout) Slots() int { return len(l.slots) }

// Channel returns the channel at a layout position, or Unmapped.
func (l Layout) Channel(pos int) Channel {
	if pos < 0 || pos >= len(l.slots) {
		return Unmapped
	}
	return l.slots[pos]
}

// Decode builds a record from one complete frame. Missing trailing fields
// leave their attributes empty. A channel that fails to parse is reported in
// the returned errors and left without a value. A frame with an empty
// payload yields no record.
func (l Layout) Decode(f, fuseID string) (*Record, []*FieldError) {
	payload := frame.Payload(f)
	if payload == "" {
		return nil, nil
	}
	fields := strings.Split(payload, string(frame.Separator))

	rec := &Record{FuseID: fuseID}
	rec.BoxID = field(fields, 0)
	rec.Time = field(fields, 1)
	rec.MinutePartition = field(fields, 2)

	var errs []*FieldError
	for pos, c := range l.slots {
		idx := pos + len(headerFields)
		if idx >= len(fields) {
			break
		}
		if c == Unmapped {
			continue
		}
		raw := fields[idx]
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
			err = errNotFinite
		}
		if err != nil {
			errs = append(errs, &FieldError{Channel: c, Position: idx, Raw: raw, Err: err})
			continue
		}
		rec.Channels[c] = Some(v)
	}
	return rec, errs
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}
