package storage

import (
	"context"
	"time"

	"spot-alerts/internal/domain"
	"spot-alerts/internal/ratelimit"
)

// AlertStore defines operations over alert rules. Rows are deactivated, never deleted.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert domain.Alert) (domain.Alert, error)
	ListAlerts(ctx context.Context, ownerID string, activeOnly bool) ([]domain.Alert, error)
	DeactivateAlert(ctx context.Context, ownerID string, alertID int64) error
	DeactivateAlertsByPattern(ctx context.Context, ownerID, pattern string) (int64, error)
	ListLiveAlerts(ctx context.Context, now time.Time) ([]domain.Alert, error)
	ExpireAlerts(ctx context.Context, now time.Time) (int64, error)
}

// SpotLog defines operations over the append-only notification log.
type SpotLog interface {
	ratelimit.Ledger
	ListRecentNotifications(ctx context.Context, limit int) ([]domain.SpotNotification, error)
	HourlyNotificationCounts(ctx context.Context, from, to time.Time) ([]domain.HourlyCount, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend is the full persistence surface used by the service.
type Backend interface {
	AlertStore
	SpotLog
	Close()
}
