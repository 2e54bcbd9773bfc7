// Package ratelimit decides whether a matched (alert, spot) pair may be notified.
//
// Every check is derived from the Spot Log at decision time: duplicate contacts,
// the per-alert cooldown and the per-owner rolling quota. An allowed decision is
// recorded in the same unit of work that performed the checks.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"spot-alerts/internal/domain"
)

// Decision is the outcome of Reserve.
type Decision int

const (
	Allowed Decision = iota
	DeniedDuplicate
	DeniedCooldown
	DeniedQuota
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case DeniedDuplicate:
		return "duplicate"
	case DeniedCooldown:
		return "cooldown"
	case DeniedQuota:
		return "quota"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Policy carries the rate limit settings.
type Policy struct {
	Cooldown    time.Duration
	HourlyCap   int
	DedupWindow time.Duration
	QuotaWindow time.Duration
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		Cooldown:    5 * time.Minute,
		HourlyCap:   20,
		DedupWindow: 10 * time.Minute,
		QuotaWindow: time.Hour,
	}
}

// DuplicateQuery identifies a contact for the dedup check.
type DuplicateQuery struct {
	AlertID  int64
	Source   string
	SpotID   string
	Callsign string
	Mode     string
	From     time.Time
	To       time.Time
}

// Window is the Spot Log view available inside a serialized unit of work.
type Window interface {
	HasDuplicate(ctx context.Context, q DuplicateQuery) (bool, error)
	LastSent(ctx context.Context, alertID int64) (time.Time, bool, error)
	CountSince(ctx context.Context, ownerID string, since time.Time) (int64, error)
	// Record inserts entry and reports false when an identical spot was already logged.
	Record(ctx context.Context, entry domain.SpotNotification) (bool, error)
}

// Ledger serializes work per alert and per owner.
type Ledger interface {
	WithinAlertLock(ctx context.Context, alertID int64, ownerID string, fn func(Window) error) error
}

// Limiter evaluates dedup, cooldown and quota against a Ledger.
type Limiter struct {
	policy Policy
	ledger Ledger
	now    func() time.Time
}

// New constructs a Limiter. now may be nil to use the wall clock.
func New(policy Policy, ledger Ledger, now func() time.Time) *Limiter {
	if policy.QuotaWindow <= 0 {
		policy.QuotaWindow = time.Hour
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Limiter{policy: policy, ledger: ledger, now: now}
}

// Policy returns the effective policy.
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Reserve checks the match and, when allowed, records the Spot Log entry.
// The returned entry is only meaningful for Allowed decisions.
func (l *Limiter) Reserve(ctx context.Context, alert domain.Alert, spot domain.Spot) (Decision, domain.SpotNotification, error) {
	var (
		decision Decision
		entry    domain.SpotNotification
	)

	err := l.ledger.WithinAlertLock(ctx, alert.ID, alert.OwnerID, func(w Window) error {
		now := l.now()
		entry = domain.NewSpotNotification(alert, spot, now)

		dup, err := w.HasDuplicate(ctx, DuplicateQuery{
			AlertID:  alert.ID,
			Source:   entry.Source,
			SpotID:   entry.SpotID,
			Callsign: spot.Callsign,
			Mode:     spot.Mode,
			From:     spot.Timestamp.Add(-l.policy.DedupWindow),
			To:       spot.Timestamp.Add(l.policy.DedupWindow),
		})
		if err != nil {
			return fmt.Errorf("dedup check: %w", err)
		}
		if dup {
			decision = DeniedDuplicate
			return nil
		}

		if l.policy.Cooldown > 0 {
			last, ok, err := w.LastSent(ctx, alert.ID)
			if err != nil {
				return fmt.Errorf("cooldown check: %w", err)
			}
			if ok && now.Sub(last) < l.policy.Cooldown {
				decision = DeniedCooldown
				return nil
			}
		}

		if l.policy.HourlyCap > 0 {
			count, err := w.CountSince(ctx, alert.OwnerID, now.Add(-l.policy.QuotaWindow))
			if err != nil {
				return fmt.Errorf("quota check: %w", err)
			}
			if count >= int64(l.policy.HourlyCap) {
				decision = DeniedQuota
				return nil
			}
		}

		inserted, err := w.Record(ctx, entry)
		if err != nil {
			return fmt.Errorf("record notification: %w", err)
		}
		if !inserted {
			decision = DeniedDuplicate
			return nil
		}
		decision = Allowed
		return nil
	})
	if err != nil {
		return decision, domain.SpotNotification{}, domain.Persistence("reserve notification", err)
	}
	return decision, entry, nil
}
