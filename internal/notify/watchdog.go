package notify

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/sammy180/onion-logger/internal/metrics"
	"github.com/sammy180/onion-logger/internal/record"
)

const (
	DefaultStaleThreshold = 5 * time.Minute
	DefaultStaleInterval  = 30 * time.Second
)

// LatestReader returns the newest record of every box.
type LatestReader interface {
	LatestPerBox(ctx context.Context) ([]record.Record, error)
}

// StaleEvent reports a box crossing the staleness threshold in either
// direction.
type StaleEvent struct {
	BoxID    string        `json:"boxId"`
	FuseID   string        `json:"fuseId"`
	Stale    bool          `json:"stale"`
	LastSeen time.Time     `json:"lastSeen"`
	Age      time.Duration `json:"ageNs"`
}

// StaleSink receives staleness transitions.
type StaleSink interface {
	Stale(ev StaleEvent)
}

type WatchdogConfig struct {
	Store     LatestReader
	Sinks     []StaleSink
	Threshold time.Duration
	Interval  time.Duration
	Now       func() time.Time
	Logger    zerolog.Logger
}

// Watchdog periodically computes each box's staleness from captured_at and
// signals once when a box goes stale and once when it reports again.
type Watchdog struct {
	cfg   WatchdogConfig
	stale map[string]bool
}

func NewWatchdog(cfg WatchdogConfig) *Watchdog {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultStaleThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultStaleInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Watchdog{cfg: cfg, stale: make(map[string]bool)}
}

// Run checks immediately and then on every interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.Check(ctx); err != nil && ctx.Err() == nil {
			w.cfg.Logger.Warn().Err(err).Msg("staleness check failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check runs one pass and returns the transitions it signalled, ordered by
// box id. A box first seen already stale counts as a transition.
func (w *Watchdog) Check(ctx context.Context) ([]StaleEvent, error) {
	latest, err := w.cfg.Store.LatestPerBox(ctx)
	if err != nil {
		return nil, err
	}
	now := w.cfg.Now()

	var events []StaleEvent
	staleCount := 0
	for _, rec := range latest {
		age := now.Sub(rec.CapturedAt)
		stale := age > w.cfg.Threshold
		if stale {
			staleCount++
		}
		if stale == w.stale[rec.BoxID] {
			continue
		}
		w.stale[rec.BoxID] = stale
		events = append(events, StaleEvent{
			BoxID:    rec.BoxID,
			FuseID:   rec.FuseID,
			Stale:    stale,
			LastSeen: rec.CapturedAt,
			Age:      age,
		})
	}
	metrics.SetStaleBoxes(staleCount)

	sort.Slice(events, func(i, j int) bool { return events[i].BoxID < events[j].BoxID })
	for _, ev := range events {
		if ev.Stale {
			w.cfg.Logger.Warn().Str("box", ev.BoxID).Dur("age", ev.Age).Msg("box stale")
		} else {
			w.cfg.Logger.Info().Str("box", ev.BoxID).Msg("box reporting again")
		}
		for _, s := range w.cfg.Sinks {
			s.Stale(ev)
		}
	}
	return events, nil
}
