package janitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/cache"
	"keygate/internal/config"
	"keygate/internal/store"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testConfig() config.JanitorConfig {
	return config.JanitorConfig{
		Enabled:            true,
		UsageRetentionDays: 90,
		EventRetentionDays: 30,
		UsagePurgeSchedule: "0 3 * * *",
		EventPurgeSchedule: "30 3 * * *",
		CacheSweepSchedule: "*/5 * * * *",
	}
}

func newTestJanitor(t *testing.T, cfg config.JanitorConfig) (*Janitor, sqlmock.Sqlmock, *cache.Memory) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// Negative TTL makes every entry expired on arrival, so Sweep has
	// something to remove without the test waiting out a real TTL.
	mem := cache.NewMemory(-time.Second, 10)
	t.Cleanup(func() { mem.Close() })

	j, err := New(Deps{
		Store:  store.New(db),
		Cache:  mem,
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	j.now = func() time.Time { return fixedNow }

	return j, mock, mem
}

func TestPurgeUsage(t *testing.T) {
	j, mock, _ := newTestJanitor(t, testConfig())

	// 90 days before 2026-03-10, as the usage table's date key.
	mock.ExpectExec("DELETE FROM usage_records").
		WithArgs("2025-12-10").
		WillReturnResult(sqlmock.NewResult(0, 31))

	deleted, err := j.PurgeUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(31), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeEvents(t *testing.T) {
	j, mock, _ := newTestJanitor(t, testConfig())

	cutoff := fixedNow.AddDate(0, 0, -30).UTC()
	mock.ExpectExec("DELETE FROM webhook_events").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	deleted, err := j.PurgeEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeUsageFailure(t *testing.T) {
	j, mock, _ := newTestJanitor(t, testConfig())

	mock.ExpectExec("DELETE FROM usage_records").
		WillReturnError(errors.New("timeout"))

	_, err := j.PurgeUsage(context.Background())
	require.Error(t, err)
}

func TestSweepCache(t *testing.T) {
	j, _, mem := newTestJanitor(t, testConfig())

	ctx := context.Background()
	mem.Set(ctx, "hash-1", &store.License{Key: "a"})
	mem.Set(ctx, "hash-2", &store.License{Key: "b"})

	assert.Equal(t, 2, j.SweepCache(ctx))
	assert.Equal(t, 0, j.SweepCache(ctx), "a second sweep finds nothing")
}

func TestStartRejectsBadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.UsagePurgeSchedule = "every day at dawn"
	j, _, _ := newTestJanitor(t, cfg)

	err := j.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage_purge")
}

func TestStartDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	j, _, _ := newTestJanitor(t, cfg)

	require.NoError(t, j.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	j.Stop(ctx)
}

func TestStartStop(t *testing.T) {
	j, _, _ := newTestJanitor(t, testConfig())

	require.NoError(t, j.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	j.Stop(ctx)
}
