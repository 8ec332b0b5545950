package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sammy180/onion-logger/internal/record"
)

func selectColumns() string {
	return "id, box_id, fuse_id, time, minute_partition, captured_at, " + channelColumns
}

// LastForBox returns the most recently inserted record for a box id.
// Returns ErrNotFound if the box has never reported.
func (s *Store) LastForBox(ctx context.Context, boxID string) (*record.Record, error) {
	q := fmt.Sprintf("SELECT %s FROM sensor_data WHERE box_id = ? ORDER BY id DESC LIMIT 1", selectColumns())
	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, boxID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("box %q: %w", boxID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("last record for box %q: %w", boxID, err)
	}
	return &rec, nil
}

// LatestPerBox returns the newest record of every box, ordered by box id.
func (s *Store) LatestPerBox(ctx context.Context) ([]record.Record, error) {
	q := fmt.Sprintf(`SELECT %s FROM sensor_data
		WHERE id IN (SELECT MAX(id) FROM sensor_data GROUP BY box_id)
		ORDER BY box_id`, selectColumns())
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("latest per box: %w", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("latest per box: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("latest per box: %w", err)
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sensor_data").Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Scan calls fn for every record with id greater than afterID, in insertion
// order. It stops at the first error fn returns. fn must not call back into
// the store: the connection is held until Scan returns.
func (s *Store) Scan(ctx context.Context, afterID int64, fn func(record.Record) error) error {
	q := fmt.Sprintf("SELECT %s FROM sensor_data WHERE id > ? ORDER BY id", selectColumns())
	rows, err := s.db.QueryContext(ctx, q, afterID)
	if err != nil {
		return fmt.Errorf("scan records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("scan records: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}
