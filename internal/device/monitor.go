package device

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sammy180/onion-logger/internal/frame"
	"github.com/sammy180/onion-logger/internal/metrics"
	"github.com/sammy180/onion-logger/internal/notify"
	"github.com/sammy180/onion-logger/internal/record"
)

const (
	DefaultSettleDelay = time.Second
	DefaultIdleBackoff = 100 * time.Millisecond

	readBufSize = 1024
)

var errAlreadyStarted = errors.New("device: monitor already started")

// State is a monitor's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateOpening
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Live reports whether the monitor still owns, or is about to own, its device.
func (s State) Live() bool {
	return s == StateIdle || s == StateOpening || s == StateRunning
}

// RecordStore is the part of the store a monitor writes to.
type RecordStore interface {
	Insert(ctx context.Context, rec *record.Record) (int64, error)
}

// MonitorConfig wires a monitor to its device and collaborators.
type MonitorConfig struct {
	Path   string
	Opener Opener
	Store  RecordStore
	Layout record.Layout
	Sink   notify.Sink

	SettleDelay   time.Duration
	IdleBackoff   time.Duration
	MaxFrameBytes int

	Logger zerolog.Logger
}

// Status is a point-in-time view of a monitor.
type Status struct {
	Path      string    `json:"path"`
	RunID     string    `json:"runId"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"startedAt"`
	Frames    int64     `json:"frames"`
	Records   int64     `json:"records"`
	LastError string    `json:"lastError,omitempty"`
}

// Monitor reads one device until it is stopped or its connection fails.
// A monitor runs once; a failed device is retried with a new Monitor.
type Monitor struct {
	cfg    MonitorConfig
	runID  string
	log    zerolog.Logger
	parser *frame.Parser

	state   atomic.Int32
	frames  atomic.Int64
	records atomic.Int64
	done    chan struct{}

	mu        sync.Mutex
	startedAt time.Time
	err       error
}

// NewMonitor creates an idle monitor for cfg.Path.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = DefaultIdleBackoff
	}
	if cfg.Sink == nil {
		cfg.Sink = notify.Discard
	}
	runID := uuid.NewString()
	return &Monitor{
		cfg:    cfg,
		runID:  runID,
		log:    cfg.Logger.With().Str("fuse", cfg.Path).Str("run", runID).Logger(),
		parser: frame.NewParser(cfg.MaxFrameBytes),
		done:   make(chan struct{}),
	}
}

// Path returns the device path, which is also the fuse id of its records.
func (m *Monitor) Path() string { return m.cfg.Path }

// State returns the current lifecycle state.
func (m *Monitor) State() State { return State(m.state.Load()) }

// Done is closed once Run has returned.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Err returns the connection error that failed the monitor, if any.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Status returns a snapshot for diagnostics.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	started, err := m.startedAt, m.err
	m.mu.Unlock()

	st := Status{
		Path:      m.cfg.Path,
		RunID:     m.runID,
		State:     m.State().String(),
		StartedAt: started,
		Frames:    m.frames.Load(),
		Records:   m.records.Load(),
	}
	if err != nil {
		st.LastError = err.Error()
	}
	return st
}

// Run opens the device and reads it until ctx is cancelled (returns nil) or
// the connection fails (returns a *ConnectionError).
func (m *Monitor) Run(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateOpening)) {
		return errAlreadyStarted
	}
	defer close(m.done)

	metrics.MonitorStarted()
	defer metrics.MonitorExited()

	m.mu.Lock()
	m.startedAt = time.Now()
	m.mu.Unlock()

	port, err := m.cfg.Opener.Open(m.cfg.Path)
	if err != nil {
		return m.fail(nil, "open", err)
	}
	m.log.Info().Msg("port opened")

	// Let the board finish its reset before reading.
	if !sleepCtx(ctx, m.cfg.SettleDelay) {
		return m.stop(port)
	}

	m.state.Store(int32(StateRunning))
	buf := make([]byte, readBufSize)
	for {
		if ctx.Err() != nil {
			return m.stop(port)
		}

		n, err := port.Read(buf)
		if n > 0 {
			m.handle(ctx, buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				return m.stop(port)
			}
			return m.fail(port, "read", err)
		}
		if n > 0 {
			continue
		}

		if p, ok := port.(presence); ok && !p.Present() {
			return m.fail(port, "read", ErrDeviceGone)
		}
		if !sleepCtx(ctx, m.cfg.IdleBackoff) {
			return m.stop(port)
		}
	}
}

// handle feeds one chunk through the parser and persists every frame it
// completes, in order.
func (m *Monitor) handle(ctx context.Context, chunk []byte) {
	fuse := m.cfg.Path
	frames, err := m.parser.Feed(chunk)
	if errors.Is(err, frame.ErrOverflow) {
		metrics.RecordOverflow(fuse)
		m.log.Warn().Err(err).Msg("discarded unterminated data")
	}

	for _, f := range frames {
		m.frames.Add(1)
		metrics.RecordFrame(fuse)

		rec, ferrs := m.cfg.Layout.Decode(f, fuse)
		for _, fe := range ferrs {
			m.log.Warn().Err(fe).Str("channel", fe.Channel.String()).Msg("field decode failed")
		}
		metrics.RecordFieldErrors(fuse, len(ferrs))
		if rec == nil {
			m.log.Debug().Str("frame", f).Msg("empty frame skipped")
			continue
		}

		// A stop request must not abort an insert that already started.
		if _, err := m.cfg.Store.Insert(context.WithoutCancel(ctx), rec); err != nil {
			metrics.RecordInsertFailure(fuse)
			m.log.Error().Err(err).Str("box", rec.BoxID).Msg("record dropped")
			continue
		}
		m.records.Add(1)
		metrics.RecordInsert(fuse)
		m.cfg.Sink.Publish(*rec)
	}
}

func (m *Monitor) stop(port Port) error {
	if port != nil {
		if err := port.Close(); err != nil {
			m.log.Warn().Err(err).Msg("close failed")
		}
	}
	m.state.Store(int32(StateStopped))
	m.log.Info().
		Int64("records", m.records.Load()).
		Int("unterminated", m.parser.Buffered()).
		Msg("monitor stopped")
	return nil
}

func (m *Monitor) fail(port Port, op string, err error) error {
	if port != nil {
		port.Close()
	}
	cerr := &ConnectionError{Path: m.cfg.Path, Op: op, Err: err}
	m.mu.Lock()
	m.err = cerr
	m.mu.Unlock()
	m.state.Store(int32(StateFailed))
	m.log.Error().Err(err).Str("op", op).Msg("monitor failed")
	return cerr
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
