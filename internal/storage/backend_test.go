package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-alerts/internal/config"
	"spot-alerts/internal/domain"
	"spot-alerts/internal/ratelimit"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAlert(owner, pattern string, prefix bool, created time.Time) domain.Alert {
	return domain.Alert{
		OwnerID:   owner,
		Pattern:   pattern,
		IsPrefix:  prefix,
		Modes:     []string{"FT8"},
		Source:    domain.SourcePSKReporter,
		CreatedAt: created,
		ExpiresAt: created.Add(24 * time.Hour),
	}
}

func entry(alert domain.Alert, call string, spotTime, sentAt time.Time) domain.SpotNotification {
	spot := domain.Spot{
		Callsign:  call,
		Mode:      "FT8",
		Source:    domain.SourcePSKReporter,
		Frequency: decimal.NewFromInt(14074000),
		Timestamp: spotTime,
	}.Normalize()
	return domain.NewSpotNotification(alert, spot, sentAt)
}

func record(t *testing.T, b Backend, e domain.SpotNotification) bool {
	t.Helper()
	var inserted bool
	err := b.WithinAlertLock(context.Background(), e.AlertID, e.OwnerID, func(w ratelimit.Window) error {
		var err error
		inserted, err = w.Record(context.Background(), e)
		return err
	})
	require.NoError(t, err)
	return inserted
}

// runBackendSuite checks the behavior every Backend must share.
func runBackendSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	ctx := context.Background()

	t.Run("alert lifecycle", func(t *testing.T) {
		b := newBackend(t)
		first, err := b.CreateAlert(ctx, newAlert("o1", "N4", true, base))
		require.NoError(t, err)
		second, err := b.CreateAlert(ctx, newAlert("o1", "K1ABC", false, base.Add(time.Minute)))
		require.NoError(t, err)
		_, err = b.CreateAlert(ctx, newAlert("o2", "N4", true, base))
		require.NoError(t, err)

		assert.True(t, first.Active)
		assert.NotEqual(t, first.ID, second.ID)

		list, err := b.ListAlerts(ctx, "o1", true)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, second.ID, list[0].ID, "newest first")
		assert.Equal(t, []string{"FT8"}, list[1].Modes)

		err = b.DeactivateAlert(ctx, "o2", first.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound, "other owners cannot remove")

		require.NoError(t, b.DeactivateAlert(ctx, "o1", first.ID))
		assert.ErrorIs(t, b.DeactivateAlert(ctx, "o1", first.ID), domain.ErrNotFound)

		active, err := b.ListAlerts(ctx, "o1", true)
		require.NoError(t, err)
		assert.Len(t, active, 1)
		all, err := b.ListAlerts(ctx, "o1", false)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("deactivate by pattern", func(t *testing.T) {
		b := newBackend(t)
		for i := 0; i < 2; i++ {
			_, err := b.CreateAlert(ctx, newAlert("o1", "DL", true, base))
			require.NoError(t, err)
		}
		_, err := b.CreateAlert(ctx, newAlert("o2", "DL", true, base))
		require.NoError(t, err)

		n, err := b.DeactivateAlertsByPattern(ctx, "o1", "DL")
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		n, err = b.DeactivateAlertsByPattern(ctx, "o1", "DL")
		require.NoError(t, err)
		assert.Zero(t, n)

		others, err := b.ListAlerts(ctx, "o2", true)
		require.NoError(t, err)
		assert.Len(t, others, 1)
	})

	t.Run("live and expire", func(t *testing.T) {
		b := newBackend(t)
		old, err := b.CreateAlert(ctx, newAlert("o1", "N4", true, base.Add(-48*time.Hour)))
		require.NoError(t, err)
		fresh, err := b.CreateAlert(ctx, newAlert("o1", "K1", true, base))
		require.NoError(t, err)

		live, err := b.ListLiveAlerts(ctx, base)
		require.NoError(t, err)
		require.Len(t, live, 1)
		assert.Equal(t, fresh.ID, live[0].ID)

		n, err := b.ExpireAlerts(ctx, base)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		n, err = b.ExpireAlerts(ctx, base)
		require.NoError(t, err)
		assert.Zero(t, n)

		all, err := b.ListAlerts(ctx, "o1", false)
		require.NoError(t, err)
		for _, a := range all {
			if a.ID == old.ID {
				assert.False(t, a.Active)
			}
		}
	})

	t.Run("spot log window", func(t *testing.T) {
		b := newBackend(t)
		alert, err := b.CreateAlert(ctx, newAlert("o1", "N4", true, base))
		require.NoError(t, err)

		e := entry(alert, "N4OG", base, base.Add(time.Minute))
		assert.True(t, record(t, b, e))
		assert.False(t, record(t, b, e), "same spot is recorded once")

		err = b.WithinAlertLock(ctx, alert.ID, alert.OwnerID, func(w ratelimit.Window) error {
			dup, err := w.HasDuplicate(ctx, ratelimit.DuplicateQuery{
				AlertID: alert.ID, Source: e.Source, SpotID: "other",
				Callsign: "N4OG", Mode: "FT8",
				From: base.Add(-5 * time.Minute), To: base.Add(5 * time.Minute),
			})
			require.NoError(t, err)
			assert.True(t, dup)

			dup, err = w.HasDuplicate(ctx, ratelimit.DuplicateQuery{
				AlertID: alert.ID, Source: e.Source, SpotID: "other",
				Callsign: "N4OG", Mode: "CW",
				From: base.Add(-5 * time.Minute), To: base.Add(5 * time.Minute),
			})
			require.NoError(t, err)
			assert.False(t, dup)

			last, ok, err := w.LastSent(ctx, alert.ID)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, last.Equal(base.Add(time.Minute)))

			_, ok, err = w.LastSent(ctx, alert.ID+1000)
			require.NoError(t, err)
			assert.False(t, ok)

			n, err := w.CountSince(ctx, "o1", base)
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)

			n, err = w.CountSince(ctx, "o1", base.Add(time.Minute))
			require.NoError(t, err)
			assert.Zero(t, n, "trailing window is exclusive of its start")
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("recent and hourly", func(t *testing.T) {
		b := newBackend(t)
		alert, err := b.CreateAlert(ctx, newAlert("o1", "N4", true, base))
		require.NoError(t, err)

		record(t, b, entry(alert, "N4AA", base, base.Add(5*time.Minute)))
		record(t, b, entry(alert, "N4BB", base, base.Add(20*time.Minute)))
		record(t, b, entry(alert, "N4CC", base, base.Add(2*time.Hour+time.Minute)))

		recent, err := b.ListRecentNotifications(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "N4CC", recent[0].Callsign)
		assert.Equal(t, "N4BB", recent[1].Callsign)
		assert.True(t, recent[0].Frequency.Equal(decimal.NewFromInt(14074000)))

		counts, err := b.HourlyNotificationCounts(ctx, base, base.Add(3*time.Hour))
		require.NoError(t, err)
		require.Len(t, counts, 2)
		assert.True(t, counts[0].Hour.Equal(base))
		assert.EqualValues(t, 2, counts[0].Count)
		assert.True(t, counts[1].Hour.Equal(base.Add(2*time.Hour)))
		assert.EqualValues(t, 1, counts[1].Count)
	})
}

func TestMemoryBackend(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend { return NewMemory() })
}

func TestMemoryRejectsInvertedExpiry(t *testing.T) {
	a := newAlert("o1", "N4", true, base)
	a.ExpiresAt = a.CreatedAt
	_, err := NewMemory().CreateAlert(context.Background(), a)
	assert.True(t, domain.IsValidation(err))
}

func TestMemoryLockHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := NewMemory().WithinAlertLock(ctx, 1, "o1", func(ratelimit.Window) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

// TestPostgresBackend runs against a disposable database named by SPOTWATCHER_TEST_DSN.
func TestPostgresBackend(t *testing.T) {
	dsn := os.Getenv("SPOTWATCHER_TEST_DSN")
	if dsn == "" {
		t.Skip("SPOTWATCHER_TEST_DSN not set")
	}

	runBackendSuite(t, func(t *testing.T) Backend {
		ctx := context.Background()
		pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 4, MaxIdleConns: 1, ConnMaxLifetime: time.Minute})
		require.NoError(t, err)
		store := NewStore(pool)
		t.Cleanup(store.Close)

		require.NoError(t, store.Migrate(ctx))
		_, err = pool.Exec(ctx, "TRUNCATE spot_log, alerts RESTART IDENTITY CASCADE")
		require.NoError(t, err)

		unlock, ok, err := store.TryAdvisoryLock(ctx, 42)
		require.NoError(t, err)
		require.True(t, ok)
		unlock()
		return store
	})
}
