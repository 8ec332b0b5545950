// Package notify fans persisted records out to live consumers and watches
// boxes for staleness.
//
// Sinks must not block the caller: ingestion hands every record to its sink
// right after the insert returns, on the monitor's own goroutine.
package notify

import "github.com/sammy180/onion-logger/internal/record"

// Sink receives every record after it has been persisted.
type Sink interface {
	Publish(rec record.Record)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(rec record.Record)

func (f SinkFunc) Publish(rec record.Record) { f(rec) }

// Multi publishes to each sink in order. Nil entries are skipped.
type Multi []Sink

func (m Multi) Publish(rec record.Record) {
	for _, s := range m {
		if s != nil {
			s.Publish(rec)
		}
	}
}

// Discard drops every record.
var Discard Sink = SinkFunc(func(record.Record) {})
