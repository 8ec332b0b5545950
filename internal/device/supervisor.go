package device

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

const (
	DefaultPattern  = "/dev/Onion*"
	DefaultInterval = 5 * time.Second
)

// Lister enumerates candidate device paths.
type Lister interface {
	List() ([]string, error)
}

// GlobLister lists device nodes matching a filesystem glob, such as the
// /dev/Onion* symlinks created by the udev rules.
type GlobLister struct {
	Pattern string
}

func (g GlobLister) List() ([]string, error) {
	paths, err := filepath.Glob(g.Pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", g.Pattern, err)
	}
	return paths, nil
}

// PortsLister asks the serial driver for its ports and keeps those matching
// Pattern.
type PortsLister struct {
	Pattern string
}

func (l PortsLister) List() ([]string, error) {
	if _, err := filepath.Match(l.Pattern, ""); err != nil {
		return nil, fmt.Errorf("pattern %q: %w", l.Pattern, err)
	}
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	var out []string
	for _, p := range ports {
		if ok, _ := filepath.Match(l.Pattern, p); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// StaticLister always returns the same paths.
type StaticLister []string

func (s StaticLister) List() ([]string, error) { return s, nil }

// SupervisorConfig configures discovery.
type SupervisorConfig struct {
	Lister   Lister
	Interval time.Duration
	// NewMonitor builds an idle monitor for a newly seen path.
	NewMonitor func(path string) *Monitor
	Logger     zerolog.Logger
}

// Supervisor keeps one live Monitor per listed device path. It only ever
// adds monitors: a device that disappears is left to fail its own read.
type Supervisor struct {
	cfg SupervisorConfig
	log zerolog.Logger

	mu       sync.Mutex
	monitors map[string]*Monitor
	wg       sync.WaitGroup
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Supervisor{
		cfg:      cfg,
		log:      cfg.Logger,
		monitors: make(map[string]*Monitor),
	}
}

// Run polls the lister until ctx is cancelled, then waits for every monitor
// to exit. A listing failure on the first pass is returned immediately as a
// configuration error; later failures are logged and retried.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.poll(ctx); err != nil {
		return fmt.Errorf("device discovery: %w", err)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Int("monitors", s.count()).Msg("stopping monitors")
			s.wg.Wait()
			return nil
		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				s.log.Warn().Err(err).Msg("device listing failed")
			}
		}
	}
}

func (s *Supervisor) poll(ctx context.Context) error {
	paths, err := s.cfg.Lister.List()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range paths {
		prev, seen := s.monitors[path]
		if seen && prev.State().Live() {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		m := s.cfg.NewMonitor(path)
		s.monitors[path] = m
		if seen {
			s.log.Info().Str("fuse", path).AnErr("previous", prev.Err()).Msg("restarting monitor")
		} else {
			s.log.Info().Str("fuse", path).Msg("device found, starting monitor")
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			m.Run(ctx)
		}()
	}
	return nil
}

func (s *Supervisor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// Snapshot returns the status of the newest monitor for every path seen,
// ordered by path.
func (s *Supervisor) Snapshot() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.monitors))
	for _, m := range s.monitors {
		out = append(out, m.Status())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
