package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sammy180/onion-logger/internal/record"
)

// capturedAtLayout has a fixed width so stored timestamps sort as text.
const capturedAtLayout = "2006-01-02T15:04:05.000000Z07:00"

// legacyLayout is how the previous logger wrote GW_datetime, in local time.
const legacyLayout = "2006-01-02 15:04:05.999999"

var errMissingFuse = errors.New("store: record has no fuse id")

var (
	channelColumns string
	insertSQL      string
)

func init() {
	cols := make([]string, 0, record.NumChannels)
	for _, c := range record.Channels() {
		cols = append(cols, fmt.Sprintf("%q", c.Column()))
	}
	channelColumns = strings.Join(cols, ", ")

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", 5+int(record.NumChannels)), ", ")
	insertSQL = fmt.Sprintf(
		"INSERT INTO sensor_data (box_id, fuse_id, time, minute_partition, captured_at, %s) VALUES (%s)",
		channelColumns, placeholders)
}

// Insert appends a record. The store assigns rec.ID and rec.CapturedAt; any
// values the caller set there are overwritten. Every failure wraps
// ErrUnavailable, except a record with no fuse id.
func (s *Store) Insert(ctx context.Context, rec *record.Record) (int64, error) {
	if rec.FuseID == "" {
		return 0, errMissingFuse
	}

	at := s.nextCapturedAt()
	args := make([]any, 0, 5+record.NumChannels)
	args = append(args, rec.BoxID, rec.FuseID, rec.Time, rec.MinutePartition, at.Format(capturedAtLayout))
	for _, v := range rec.Channels {
		if v.Valid {
			args = append(args, v.Float)
		} else {
			args = append(args, nil)
		}
	}

	res, err := s.db.ExecContext(ctx, insertSQL, args...)
	if err != nil {
		return 0, fmt.Errorf("insert record from %s: %w: %w", rec.FuseID, ErrUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert record from %s: %w: %w", rec.FuseID, ErrUnavailable, err)
	}

	rec.ID = id
	rec.CapturedAt = at
	return id, nil
}

// nextCapturedAt returns the current time at microsecond precision, moved
// forward if needed so that it is strictly after the previous value.
func (s *Store) nextCapturedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now().UTC().Truncate(time.Microsecond)
	if !at.After(s.last) {
		at = s.last.Add(time.Microsecond)
	}
	s.last = at
	return at
}

func parseCapturedAt(v string) time.Time {
	if t, err := time.Parse(capturedAtLayout, v); err == nil {
		return t
	}
	if t, err := time.ParseInLocation(legacyLayout, v, time.Local); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (record.Record, error) {
	var (
		rec      record.Record
		captured string
		vals     [record.NumChannels]sql.NullFloat64
	)
	dest := make([]any, 0, 6+record.NumChannels)
	dest = append(dest, &rec.ID, &rec.BoxID, &rec.FuseID, &rec.Time, &rec.MinutePartition, &captured)
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	if err := sc.Scan(dest...); err != nil {
		return record.Record{}, err
	}

	rec.CapturedAt = parseCapturedAt(captured)
	for i, v := range vals {
		if v.Valid {
			rec.Channels[i] = record.Some(v.Float64)
		}
	}
	return rec, nil
}
