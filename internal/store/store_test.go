package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammy180/onion-logger/internal/record"
)

func openTestStore(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sensor_data.db")
	s, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func newRecord(box, fuse string) *record.Record {
	rec := &record.Record{BoxID: box, FuseID: fuse, Time: "12:00", MinutePartition: "5"}
	rec.Channels[record.ExtTemp] = record.Some(21.5)
	rec.Channels[record.ExtHum] = record.Some(55)
	return rec
}

func TestOpen_CreatesSchema(t *testing.T) {
	s, _ := openTestStore(t)

	cols, err := tableColumns(context.Background(), s.db, "sensor_data")
	require.NoError(t, err)
	for _, name := range []string{"id", "box_id", "fuse_id", "time", "minute_partition", "captured_at"} {
		assert.True(t, cols[name], "missing column %s", name)
	}
	for _, c := range record.Channels() {
		assert.True(t, cols[c.Column()], "missing channel column %s", c.Column())
	}
	assert.Len(t, cols, 6+int(record.NumChannels))

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestInsert_AssignsIDAndCapturedAt(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s, _ := openTestStore(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	var prev time.Time
	var prevID int64
	for i := 0; i < 3; i++ {
		rec := newRecord("42", "/dev/Onion1")
		rec.ID = 999
		id, err := s.Insert(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, id, rec.ID)
		assert.Greater(t, id, prevID)
		assert.True(t, rec.CapturedAt.After(prev), "captured_at must strictly increase")
		prev, prevID = rec.CapturedAt, id
	}
	assert.Equal(t, fixed.Add(2*time.Microsecond), prev)
}

func TestInsert_RoundTripsWithNullChannels(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	in := newRecord("42", "/dev/Onion1")
	_, err := s.Insert(ctx, in)
	require.NoError(t, err)

	got, err := s.LastForBox(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, in.ID, got.ID)
	assert.Equal(t, "/dev/Onion1", got.FuseID)
	assert.Equal(t, "12:00", got.Time)
	assert.Equal(t, "5", got.MinutePartition)
	assert.True(t, in.CapturedAt.Equal(got.CapturedAt))
	assert.Equal(t, in.Channels, got.Channels)
	assert.False(t, got.Channels[record.CO2].Valid)
}

func TestInsert_RequiresFuseID(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Insert(context.Background(), newRecord("1", ""))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestInsert_ClosedStoreIsUnavailable(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.Insert(context.Background(), newRecord("1", "/dev/Onion1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrUnavailable)
}

func TestLastForBox_NotFound(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.LastForBox(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestPerBox(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for i, box := range []string{"2", "1", "2", "1", "3"} {
		rec := newRecord(box, "/dev/Onion"+box)
		rec.Time = strconv.Itoa(i)
		_, err := s.Insert(ctx, rec)
		require.NoError(t, err)
	}

	latest, err := s.LatestPerBox(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, "1", latest[0].BoxID)
	assert.Equal(t, "3", latest[0].Time)
	assert.Equal(t, "2", latest[1].BoxID)
	assert.Equal(t, "2", latest[1].Time)
	assert.Equal(t, "3", latest[2].BoxID)
}

func TestConcurrentWriters(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	const perWriter = 50

	fuses := []string{"/dev/OnionA", "/dev/OnionB"}
	var wg sync.WaitGroup
	for _, fuse := range fuses {
		wg.Add(1)
		go func(fuse string) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				rec := newRecord("7", fuse)
				rec.Time = strconv.Itoa(i)
				_, err := s.Insert(ctx, rec)
				assert.NoError(t, err)
			}
		}(fuse)
	}
	wg.Wait()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2*perWriter), n)

	// Within one fuse id, rows appear in the order they were written.
	next := map[string]int{}
	require.NoError(t, s.Scan(ctx, 0, func(rec record.Record) error {
		assert.Equal(t, strconv.Itoa(next[rec.FuseID]), rec.Time, rec.FuseID)
		next[rec.FuseID]++
		return nil
	}))
	assert.Equal(t, perWriter, next[fuses[0]])
	assert.Equal(t, perWriter, next[fuses[1]])

	last, err := s.LastForBox(ctx, "7")
	require.NoError(t, err)
	assert.Contains(t, fuses, last.FuseID)
	assert.Equal(t, strconv.Itoa(perWriter-1), last.Time)
}

func TestScan_StopsOnCallbackError(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Insert(ctx, newRecord("1", "/dev/Onion1"))
		require.NoError(t, err)
	}

	stop := errors.New("stop")
	var seen []int64
	err := s.Scan(ctx, 2, func(rec record.Record) error {
		seen = append(seen, rec.ID)
		if len(seen) == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []int64{3, 4}, seen)
}

func TestReopenKeepsRecords(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()
	_, err := s.Insert(ctx, newRecord("5", "/dev/Onion5"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.LastForBox(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)

	id, err := s2.Insert(ctx, newRecord("5", "/dev/Onion5"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}

func writeLegacyTable(t *testing.T, path string, rows int) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE SensorData (
		id INTEGER PRIMARY KEY,
		BoxID VARCHAR, FuseID VARCHAR, Time VARCHAR, minutePt VARCHAR,
		GW_datetime DATETIME, Ext_Temp FLOAT, CO2 FLOAT)`)
	require.NoError(t, err)

	tx, err := db.Begin()
	require.NoError(t, err)
	for i := 1; i <= rows; i++ {
		_, err = tx.Exec(`INSERT INTO SensorData (BoxID, FuseID, Time, minutePt, GW_datetime, Ext_Temp, CO2)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			"9", "/dev/Onion9", fmt.Sprintf("10:0%d", i), "1", fmt.Sprintf("2024-05-01 12:00:0%d.250000", i), 20.0+float64(i), nil)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func TestOpen_ImportsLegacyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	writeLegacyTable(t, path, 2)

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.LastForBox(ctx, "9")
	require.NoError(t, err)
	assert.Equal(t, "10:02", got.Time)
	assert.Equal(t, record.Some(22), got.Channels[record.ExtTemp])
	assert.False(t, got.Channels[record.CO2].Valid)
	assert.False(t, got.Channels[record.ExtHum].Valid)
	want := time.Date(2024, 5, 1, 12, 0, 2, 250000000, time.Local)
	assert.True(t, want.Equal(got.CapturedAt), "got %s", got.CapturedAt)
	require.NoError(t, s.Close())

	// A second open must not import again.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	n, err = s2.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestOpen_ConcurrentOpensImportLegacyOnce(t *testing.T) {
	for trial := 0; trial < 10; trial++ {
		path := filepath.Join(t.TempDir(), "legacy.db")
		writeLegacyTable(t, path, 300)

		var wg sync.WaitGroup
		stores := make([]*Store, 2)
		errs := make([]error, 2)
		for i := range stores {
			wg.Add(1)
			go func() {
				defer wg.Done()
				stores[i], errs[i] = Open(path)
			}()
		}
		wg.Wait()

		for i, s := range stores {
			require.NoError(t, errs[i], "trial %d", trial)
			defer s.Close()
		}
		n, err := stores[0].Count(context.Background())
		require.NoError(t, err)
		require.Equal(t, int64(300), n, "trial %d", trial)
	}
}
