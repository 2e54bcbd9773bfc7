package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"spot-alerts/internal/domain"
	"spot-alerts/internal/ratelimit"
)

// Memory is an in-process Backend used for dry runs and tests. Nothing survives a restart.
type Memory struct {
	mu      sync.Mutex
	alerts  []domain.Alert
	log     []domain.SpotNotification
	nextID  int64
	nextLog int64

	// unit serializes WithinAlertLock callers the way the advisory locks do.
	unit sync.Mutex
}

// NewMemory constructs an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{}
}

// Close is a no-op.
func (m *Memory) Close() {}

// CreateAlert stores alert as active and assigns the next id.
func (m *Memory) CreateAlert(_ context.Context, alert domain.Alert) (domain.Alert, error) {
	if !alert.ExpiresAt.After(alert.CreatedAt) {
		return domain.Alert{}, domain.NewValidationError("expires_at", "must be after created_at")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	alert.ID = m.nextID
	alert.Active = true
	alert.Modes = append([]string{}, alert.Modes...)
	m.alerts = append(m.alerts, alert)
	return alert, nil
}

// ListAlerts returns the owner's alerts, most recent first.
func (m *Memory) ListAlerts(_ context.Context, ownerID string, activeOnly bool) ([]domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Alert, 0)
	for _, a := range m.alerts {
		if a.OwnerID != ownerID || (activeOnly && !a.Active) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// DeactivateAlert deactivates an active alert owned by ownerID.
func (m *Memory) DeactivateAlert(_ context.Context, ownerID string, alertID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.alerts {
		a := &m.alerts[i]
		if a.ID == alertID && a.OwnerID == ownerID && a.Active {
			a.Active = false
			return nil
		}
	}
	return &domain.NotFoundError{OwnerID: ownerID, AlertID: alertID}
}

// DeactivateAlertsByPattern deactivates every active alert of ownerID with the given pattern.
func (m *Memory) DeactivateAlertsByPattern(_ context.Context, ownerID, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for i := range m.alerts {
		a := &m.alerts[i]
		if a.OwnerID == ownerID && a.Pattern == pattern && a.Active {
			a.Active = false
			n++
		}
	}
	return n, nil
}

// ListLiveAlerts lists alerts that are active and unexpired at now.
func (m *Memory) ListLiveAlerts(_ context.Context, now time.Time) ([]domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Alert, 0)
	for _, a := range m.alerts {
		if a.Live(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

// ExpireAlerts deactivates active alerts whose expiry is at or before now.
func (m *Memory) ExpireAlerts(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for i := range m.alerts {
		a := &m.alerts[i]
		if a.Active && !now.Before(a.ExpiresAt) {
			a.Active = false
			n++
		}
	}
	return n, nil
}

// WithinAlertLock runs fn with a Spot Log window. Callers are serialized globally.
func (m *Memory) WithinAlertLock(ctx context.Context, _ int64, _ string, fn func(ratelimit.Window) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.unit.Lock()
	defer m.unit.Unlock()
	return fn(memoryWindow{m: m})
}

// ListRecentNotifications returns up to limit Spot Log entries, newest first.
func (m *Memory) ListRecentNotifications(_ context.Context, limit int) ([]domain.SpotNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.SpotNotification, 0, limit)
	for i := len(m.log) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.log[i])
	}
	return out, nil
}

// HourlyNotificationCounts buckets Spot Log entries sent in [from, to) by UTC hour.
func (m *Memory) HourlyNotificationCounts(_ context.Context, from, to time.Time) ([]domain.HourlyCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buckets := make(map[time.Time]int64)
	for _, e := range m.log {
		if e.SentAt.Before(from) || !e.SentAt.Before(to) {
			continue
		}
		buckets[e.SentAt.UTC().Truncate(time.Hour)]++
	}
	out := make([]domain.HourlyCount, 0, len(buckets))
	for hour, n := range buckets {
		out = append(out, domain.HourlyCount{Hour: hour, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

// Notifications returns a copy of the whole spot log in insertion order.
func (m *Memory) Notifications() []domain.SpotNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.SpotNotification(nil), m.log...)
}

type memoryWindow struct {
	m *Memory
}

func (w memoryWindow) HasDuplicate(_ context.Context, q ratelimit.DuplicateQuery) (bool, error) {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()

	for _, e := range w.m.log {
		if e.AlertID != q.AlertID {
			continue
		}
		if e.Source == q.Source && e.SpotID == q.SpotID {
			return true, nil
		}
		if e.Callsign == q.Callsign && e.Mode == q.Mode &&
			!e.SpotTime.Before(q.From) && !e.SpotTime.After(q.To) {
			return true, nil
		}
	}
	return false, nil
}

func (w memoryWindow) LastSent(_ context.Context, alertID int64) (time.Time, bool, error) {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()

	var (
		last  time.Time
		found bool
	)
	for _, e := range w.m.log {
		if e.AlertID == alertID && (!found || e.SentAt.After(last)) {
			last, found = e.SentAt, true
		}
	}
	return last, found, nil
}

func (w memoryWindow) CountSince(_ context.Context, ownerID string, since time.Time) (int64, error) {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()

	var n int64
	for _, e := range w.m.log {
		if e.OwnerID == ownerID && e.SentAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (w memoryWindow) Record(_ context.Context, entry domain.SpotNotification) (bool, error) {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()

	for _, e := range w.m.log {
		if e.AlertID == entry.AlertID && e.Source == entry.Source && e.SpotID == entry.SpotID {
			return false, nil
		}
	}
	w.m.nextLog++
	entry.ID = w.m.nextLog
	w.m.log = append(w.m.log, entry)
	return true, nil
}

var _ Backend = (*Memory)(nil)
