package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"spot-alerts/internal/domain"
	"spot-alerts/internal/metrics"
	"spot-alerts/internal/storage"
)

// Sweeper deactivates alerts whose expiry has passed.
type Sweeper struct {
	store   storage.AlertStore
	metrics *metrics.Metrics
	now     func() time.Time
	logger  zerolog.Logger
}

// NewSweeper constructs the expiration sweeper. now and m may be nil.
func NewSweeper(store storage.AlertStore, m *metrics.Metrics, now func() time.Time, logger zerolog.Logger) *Sweeper {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if m == nil {
		m = metrics.New()
	}
	return &Sweeper{
		store:   store,
		metrics: m,
		now:     now,
		logger:  logger.With().Str("component", "sweeper").Logger(),
	}
}

// Sweep expires every active alert with expires_at <= now. Running it twice is harmless.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireAlerts(ctx, s.now())
	if err != nil {
		return 0, domain.Persistence("expire alerts", err)
	}
	s.metrics.AlertsExpired.Add(float64(n))
	if n > 0 {
		s.logger.Info().Int64("expired", n).Msg("expired alerts deactivated")
	} else {
		s.logger.Debug().Msg("no alerts to expire")
	}
	return n, nil
}

// Tick adapts Sweep to the scheduler.
func (s *Sweeper) Tick(ctx context.Context, _ time.Time) error {
	_, err := s.Sweep(ctx)
	return err
}
