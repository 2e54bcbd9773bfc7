package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"spot-alerts/internal/alerting"
	"spot-alerts/internal/domain"
)

// SimulateSpotOptions describe a synthetic spot.
type SimulateSpotOptions struct {
	OwnerID   string
	Callsign  string
	Mode      string
	Frequency decimal.Decimal
	Spotter   string
}

// SimulateSpot sends a synthetic spot through the configured channels. Nothing is
// written to the Spot Log and no rate limit applies.
func (a *App) SimulateSpot(ctx context.Context, opts SimulateSpotOptions) error {
	if opts.OwnerID == "" || opts.Callsign == "" {
		return errors.New("--owner and --callsign are required")
	}
	if opts.Mode == "" {
		opts.Mode = "FT8"
	}

	notifier, closeNotifier, err := a.newNotifier()
	if err != nil {
		return err
	}
	defer closeNotifier()

	now := time.Now().UTC()
	spot := domain.Spot{
		Callsign:  opts.Callsign,
		Mode:      opts.Mode,
		Source:    a.Config.Sources.Enabled[0],
		Timestamp: now,
		Frequency: opts.Frequency,
		Spotter:   opts.Spotter,
	}.Normalize()

	return notifier.Notify(ctx, alerting.Notification{
		OwnerID: opts.OwnerID,
		Alert: domain.Alert{
			OwnerID:   opts.OwnerID,
			Pattern:   spot.Callsign,
			Source:    spot.Source,
			CreatedAt: now,
			ExpiresAt: now.Add(a.Config.Alerts.Expiration),
			Active:    true,
		},
		Spot:   spot,
		SentAt: now,
	})
}
