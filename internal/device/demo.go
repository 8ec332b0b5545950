package device

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sammy180/onion-logger/internal/record"
)

// DemoLister returns n simulated device paths, demo/Onion1..demo/OnionN.
func DemoLister(n int) StaticLister {
	paths := make(StaticLister, n)
	for i := range paths {
		paths[i] = fmt.Sprintf("demo/Onion%d", i+1)
	}
	return paths
}

// DemoOpener opens simulated Onion boxes for development without hardware.
// The box id is taken from the trailing digits of the path.
type DemoOpener struct {
	// Interval between frames; defaults to 2s.
	Interval    time.Duration
	ReadTimeout time.Duration
	// Order names the channel positions to emit; defaults to
	// record.DefaultOrder.
	Order []string
}

func (o DemoOpener) Open(p string) (Port, error) {
	interval := o.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	timeout := o.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	order := o.Order
	if len(order) == 0 {
		order = record.DefaultOrder
	}
	return &demoPort{
		box:      demoBoxID(p),
		order:    order,
		interval: interval,
		timeout:  timeout,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func demoBoxID(p string) string {
	base := path.Base(p)
	i := len(base)
	for i > 0 && base[i-1] >= '0' && base[i-1] <= '9' {
		i--
	}
	if i == len(base) {
		return base
	}
	return base[i:]
}

// demoPort emits one frame per interval, handed out in random chunk sizes
// with line noise in between, the way real boards do.
type demoPort struct {
	box      string
	order    []string
	interval time.Duration
	timeout  time.Duration
	rng      *rand.Rand

	t       float64 // virtual time accumulator
	next    time.Time
	pending []byte
	closed  atomic.Bool
}

func (d *demoPort) Read(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(d.pending) == 0 {
		if wait := time.Until(d.next); wait > 0 {
			if wait > d.timeout {
				time.Sleep(d.timeout)
				return 0, nil
			}
			time.Sleep(wait)
		}
		d.pending = []byte(d.frame(time.Now()))
		d.next = time.Now().Add(d.interval)
	}

	n := 1 + d.rng.Intn(len(d.pending))
	n = copy(p, d.pending[:n])
	d.pending = d.pending[n:]
	return n, nil
}

func (d *demoPort) Close() error {
	d.closed.Store(true)
	return nil
}

func (d *demoPort) frame(now time.Time) string {
	d.t += d.interval.Seconds()

	fields := make([]string, 0, 3+len(d.order))
	fields = append(fields, d.box, now.Format("15:04:05"), strconv.Itoa(now.Minute()))
	for _, name := range d.order {
		fields = append(fields, strconv.FormatFloat(d.value(name), 'f', 2, 64))
	}

	var b strings.Builder
	b.WriteString("Box:")
	b.WriteString(strings.Join(fields, ";"))
	b.WriteString(";X")
	// Firmware prints a line break after most frames.
	if d.rng.Float64() < 0.7 {
		b.WriteString("\r\n")
	}
	return b.String()
}

// value simulates a plausible reading for a channel name.
func (d *demoPort) value(name string) float64 {
	slow := math.Sin(d.t / 300)
	noise := d.rng.Float64() - 0.5

	lower := strings.ToLower(name)
	switch {
	case lower == "error":
		return 0
	case strings.HasSuffix(lower, "temp"):
		return 21 + 3*slow + noise*0.2
	case strings.HasSuffix(lower, "hum"):
		return 45 + 10*slow + noise
	case strings.HasSuffix(lower, "pressure"), strings.HasSuffix(lower, "pres"):
		return 1013 + 2*slow + noise*0.1
	case lower == "co2":
		return 420 + 60*slow*slow + noise*5
	case strings.HasPrefix(lower, "hp"):
		return 0.5 + 0.3*slow + noise*0.05
	case strings.HasSuffix(lower, "_ref"):
		return 1.65 + noise*0.01
	default:
		return 200 + 50*slow + noise*4
	}
}
