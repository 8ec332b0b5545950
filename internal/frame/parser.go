// Package frame delimits the Onion sensor wire protocol.
//
// A frame looks like
//
//	Box:<box>;<time>;<minute>;<ch0>;<ch1>;...;X
//
// There is no length prefix: frames are found purely by the start marker and
// the X terminator. Devices are allowed to inject line breaks and spaces
// anywhere, so all whitespace is stripped before delimiting.
package frame

import (
	"bytes"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

const (
	// Terminator ends every frame.
	Terminator = 'X'
	// Separator splits payload fields.
	Separator = ';'
	// DefaultMaxBytes caps how much unterminated text a parser will hold.
	DefaultMaxBytes = 4096

	minMaxBytes = 16
)

// ErrOverflow is returned by Feed when unterminated text exceeded the cap and
// was discarded. Frames extracted in the same call are still valid.
var ErrOverflow = errors.New("frame: unterminated data exceeded buffer cap")

// markers are the accepted frame starts. "Box:" is current firmware; the
// colon-less forms come from older boards.
var markers = [][]byte{[]byte("Box"), []byte("BOX")}

const markerLen = 3

// Parser accumulates bytes from one device and cuts them into frames.
// A Parser is not safe for concurrent use; each connection owns one.
type Parser struct {
	maxBytes int
	pending  []byte // trailing bytes of an incomplete UTF-8 sequence
	buf      []byte // sanitised text waiting for a terminator
	clean    transform.Transformer
}

// NewParser returns a parser that holds at most maxBytes of unterminated
// text. Values below a small minimum fall back to DefaultMaxBytes.
func NewParser(maxBytes int) *Parser {
	if maxBytes < minMaxBytes {
		maxBytes = DefaultMaxBytes
	}
	return &Parser{
		maxBytes: maxBytes,
		clean: transform.Chain(
			runes.ReplaceIllFormed(),
			runes.Remove(runes.Predicate(dropRune)),
		),
	}
}

// dropRune reports runes that never belong in a frame: replacement runes left
// by invalid bytes, whitespace and control characters.
func dropRune(r rune) bool {
	return r == utf8.RuneError || unicode.IsSpace(r) || unicode.IsControl(r)
}

// Feed appends a freshly read chunk and returns every frame completed so far,
// in stream order. Each returned frame keeps its marker and terminator; a
// separator directly before the terminator is removed.
//
// The result does not depend on how the stream was split into chunks.
func (p *Parser) Feed(chunk []byte) ([]string, error) {
	data := append(p.pending, chunk...)
	complete, tail := splitIncomplete(data)
	p.pending = append([]byte(nil), tail...)

	if len(complete) > 0 {
		text, _, err := transform.Bytes(p.clean, complete)
		if err == nil {
			p.buf = append(p.buf, text...)
		}
	}
	return p.extract()
}

// Buffered returns the number of sanitised bytes waiting for a terminator.
func (p *Parser) Buffered() int { return len(p.buf) }

func (p *Parser) extract() ([]string, error) {
	var frames []string
	overflow := false
	for {
		start := findMarker(p.buf)
		if start < 0 {
			p.buf = keepMarkerPrefix(p.buf)
			break
		}
		p.buf = p.buf[start:]

		body := markerLen
		if len(p.buf) > markerLen && p.buf[markerLen] == ':' {
			body++
		}
		limit := min(len(p.buf), p.maxBytes+1)
		if idx := bytes.IndexByte(p.buf[body:limit], Terminator); idx >= 0 {
			end := body + idx
			text := p.buf[:end]
			if len(text) > body && text[len(text)-1] == Separator {
				text = text[:len(text)-1]
			}
			frames = append(frames, string(text)+string(Terminator))
			p.buf = p.buf[end+1:]
			continue
		}
		if len(p.buf) > p.maxBytes {
			p.buf = p.buf[p.maxBytes+1:]
			overflow = true
			continue
		}
		break
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
	if overflow {
		return frames, ErrOverflow
	}
	return frames, nil
}

func findMarker(b []byte) int {
	best := -1
	for _, m := range markers {
		if i := bytes.Index(b, m); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

// keepMarkerPrefix keeps the longest suffix of b that could still grow into
// a marker and drops everything else.
func keepMarkerPrefix(b []byte) []byte {
	for n := min(len(b), markerLen-1); n > 0; n-- {
		suffix := b[len(b)-n:]
		for _, m := range markers {
			if bytes.HasPrefix(m, suffix) {
				return append([]byte(nil), suffix...)
			}
		}
	}
	return nil
}

// splitIncomplete holds back a trailing, not yet complete UTF-8 sequence so
// that a rune split across two reads decodes the same as an unsplit one.
func splitIncomplete(b []byte) (complete, tail []byte) {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		start := len(b) - i
		if !utf8.RuneStart(b[start]) {
			continue
		}
		if !utf8.FullRune(b[start:]) {
			return b[:start], b[start:]
		}
		break
	}
	return b, nil
}

// Payload strips the marker, the terminator and any trailing separators from
// a frame, leaving the ';'-delimited field list.
func Payload(frame string) string {
	for _, prefix := range []string{"Box:", "BOX:", "Box", "BOX"} {
		if strings.HasPrefix(frame, prefix) {
			frame = frame[len(prefix):]
			break
		}
	}
	frame = strings.TrimSuffix(frame, string(Terminator))
	return strings.TrimRight(frame, string(Separator))
}
