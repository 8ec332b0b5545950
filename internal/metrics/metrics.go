// Package metrics holds the Prometheus collectors for the ingestion path.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "onion",
			Subsystem: "ingest",
			Name:      "frames_total",
			Help:      "Complete frames delimited from serial streams.",
		},
		[]string{"fuse"},
	)
	recordsInserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "onion",
			Subsystem: "store",
			Name:      "records_inserted_total",
			Help:      "Records persisted to the store.",
		},
		[]string{"fuse"},
	)
	insertFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "onion",
			Subsystem: "store",
			Name:      "insert_failures_total",
			Help:      "Records dropped because the store was unavailable.",
		},
		[]string{"fuse"},
	)
	fieldErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "onion",
			Subsystem: "ingest",
			Name:      "field_errors_total",
			Help:      "Channel fields that failed numeric decoding.",
		},
		[]string{"fuse"},
	)
	overflows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "onion",
			Subsystem: "ingest",
			Name:      "framing_overflows_total",
			Help:      "Unterminated frames discarded at the buffer cap.",
		},
		[]string{"fuse"},
	)
	activeMonitors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "onion",
			Subsystem: "device",
			Name:      "active_monitors",
			Help:      "Device monitors currently opening or running.",
		},
	)
	staleBoxes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "onion",
			Subsystem: "staleness",
			Name:      "stale_boxes",
			Help:      "Boxes whose newest record is older than the threshold.",
		},
	)
)

// RegisterMetrics registers every collector with the default registry. It
// is safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesTotal, recordsInserted, insertFailures,
			fieldErrors, overflows, activeMonitors, staleBoxes)
	})
}

func RecordFrame(fuse string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(fuse).Inc()
}

func RecordInsert(fuse string) {
	RegisterMetrics()
	recordsInserted.WithLabelValues(fuse).Inc()
}

func RecordInsertFailure(fuse string) {
	RegisterMetrics()
	insertFailures.WithLabelValues(fuse).Inc()
}

func RecordFieldErrors(fuse string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	fieldErrors.WithLabelValues(fuse).Add(float64(n))
}

func RecordOverflow(fuse string) {
	RegisterMetrics()
	overflows.WithLabelValues(fuse).Inc()
}

func MonitorStarted() {
	RegisterMetrics()
	activeMonitors.Inc()
}

func MonitorExited() {
	RegisterMetrics()
	activeMonitors.Dec()
}

func SetStaleBoxes(n int) {
	RegisterMetrics()
	staleBoxes.Set(float64(n))
}
