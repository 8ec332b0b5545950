// Package csvlog mirrors persisted records into rotating CSV files and
// writes CSV exports of the store.
package csvlog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sammy180/onion-logger/internal/record"
)

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Path    string `yaml:"path" toml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" toml:"max_rows" json:"maxRows"`
}

const (
	DefaultPath    = "/var/log/onion-logger"
	DefaultMaxRows = 100_000 // about 2.3 days of one box at 2s per frame
)

// Header is the CSV column order.
var Header = func() []string {
	h := []string{"id", "captured_at", "box_id", "fuse_id", "time", "minute_partition"}
	for _, c := range record.Channels() {
		h = append(h, c.Column())
	}
	return h
}()

// Row formats a record in Header order. Channels without a value are empty.
func Row(rec record.Record) []string {
	row := make([]string, 0, len(Header))
	captured := ""
	if !rec.CapturedAt.IsZero() {
		captured = rec.CapturedAt.UTC().Format(time.RFC3339Nano)
	}
	row = append(row,
		strconv.FormatInt(rec.ID, 10),
		captured,
		rec.BoxID,
		rec.FuseID,
		rec.Time,
		rec.MinutePartition,
	)
	for _, v := range rec.Channels {
		if v.Valid {
			row = append(row, strconv.FormatFloat(v.Float, 'f', -1, 64))
		} else {
			row = append(row, "")
		}
	}
	return row
}

// Writer writes records as CSV with a header line.
type Writer struct {
	w      *csv.Writer
	header bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: csv.NewWriter(w)}
}

func (w *Writer) Write(rec record.Record) error {
	if !w.header {
		if err := w.w.Write(Header); err != nil {
			return err
		}
		w.header = true
	}
	return w.w.Write(Row(rec))
}

// Flush writes any buffered data, including the header of an empty export.
func (w *Writer) Flush() error {
	if !w.header {
		if err := w.w.Write(Header); err != nil {
			return err
		}
		w.header = true
	}
	w.w.Flush()
	return w.w.Error()
}

// Logger appends every published record to a CSV file, starting a new file
// after MaxRows rows.
type Logger struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	now     func() time.Time
	log     zerolog.Logger

	file   *os.File
	writer *Writer
	rows   int
}

// New creates a new Logger.
func New(cfg Config, log zerolog.Logger) *Logger {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	return &Logger{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		now:     time.Now,
		log:     log,
	}
}

// Publish implements notify.Sink.
func (l *Logger) Publish(rec record.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(l.now()); err != nil {
			l.log.Error().Err(err).Msg("rotate failed")
			return
		}
	}

	if err := l.writer.Write(rec); err != nil {
		l.log.Error().Err(err).Msg("write failed")
		return
	}
	if err := l.writer.Flush(); err != nil {
		l.log.Error().Err(err).Msg("flush failed")
		return
	}
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("onion_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = NewWriter(f)
	l.rows = 0

	l.log.Info().Str("path", path).Msg("opened csv log")
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
