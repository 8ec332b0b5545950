package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sammy180/onion-logger/internal/record"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - fresh or legacy database
// 1 - legacy SensorData rows imported into sensor_data
const currentSchemaVersion = 1

var (
	// ErrUnavailable wraps every failure to persist a record.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrNotFound is returned by point reads that match no row.
	ErrNotFound = errors.New("store: not found")
)

// Store is the SQLite record store. It is safe for concurrent use.
type Store struct {
	db *sql.DB

	// mu guards last; it is never held across database I/O.
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for captured_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates or opens a SQLite database at the given path and applies the
// schema. Safe to call on an existing database.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the backing database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	// busy_timeout first: another process may hold the database while
	// this one switches journal mode or migrates.
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations reads user_version, migrates and records the new version in
// one IMMEDIATE transaction, so concurrent opens of the same file migrate
// exactly once and a crash leaves the old version in place.
func runMigrations(db *sql.DB) (err error) {
	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() {
		if err != nil {
			conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	var version int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= currentSchemaVersion {
		_, err = conn.ExecContext(ctx, "COMMIT")
		return err
	}

	if version < 1 {
		if err := migrateToV1(ctx, conn); err != nil {
			return err
		}
	}

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// migrateToV1 copies rows written by the previous logger, which kept one
// CamelCase column per header name in a table called SensorData.
func migrateToV1(ctx context.Context, q querier) error {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'SensorData'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	if n == 0 {
		return nil
	}

	have, err := tableColumns(ctx, q, "SensorData")
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	legacy := make([]string, 0, record.NumChannels)
	for _, c := range record.Channels() {
		if have[strings.ToLower(c.String())] {
			legacy = append(legacy, fmt.Sprintf("%q", c.String()))
		} else {
			legacy = append(legacy, "NULL")
		}
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO sensor_data (box_id, fuse_id, time, minute_partition, captured_at, %s)
		SELECT COALESCE(BoxID, ''), COALESCE(FuseID, ''), COALESCE(Time, ''),
		       COALESCE(minutePt, ''), COALESCE(GW_datetime, ''), %s
		FROM SensorData ORDER BY rowid
	`, channelColumns, strings.Join(legacy, ", ")))
	if err != nil {
		return fmt.Errorf("migrate to v1: import SensorData: %w", err)
	}
	return nil
}

// tableColumns returns the lower-cased column names of a table.
func tableColumns(ctx context.Context, q querier, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("table_info %s: %w", table, err)
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}
