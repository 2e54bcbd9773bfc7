package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spot-alerts/internal/domain"
)

// Notification carries one matched spot to its owner.
type Notification struct {
	OwnerID string
	Alert   domain.Alert
	Spot    domain.Spot
	SentAt  time.Time
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

var (
	oneMHz = decimal.NewFromInt(1_000_000)
	oneKHz = decimal.NewFromInt(1_000)
)

// FormatFrequency renders a frequency in Hz using the largest sensible unit.
func FormatFrequency(hz decimal.Decimal) string {
	switch {
	case hz.GreaterThanOrEqual(oneMHz):
		return hz.Div(oneMHz).StringFixed(3) + " MHz"
	case hz.GreaterThanOrEqual(oneKHz):
		return hz.Div(oneKHz).StringFixed(1) + " kHz"
	default:
		return hz.StringFixed(0) + " Hz"
	}
}

func renderMessage(note Notification) string {
	spot := note.Spot
	b := strings.Builder{}
	fmt.Fprintf(&b, "[Spot Alert] %s\n", spot.Callsign)
	fmt.Fprintf(&b, "Mode: %s\n", spot.Mode)
	if spot.Frequency.IsPositive() {
		fmt.Fprintf(&b, "Frequency: %s\n", FormatFrequency(spot.Frequency))
	}
	if spot.Spotter != "" {
		fmt.Fprintf(&b, "Spotter: %s\n", spot.Spotter)
	}
	if spot.Locator != "" {
		fmt.Fprintf(&b, "Locator: %s\n", spot.Locator)
	}
	fmt.Fprintf(&b, "Time: %s UTC\n", spot.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Alert #%d: %s (%s, %s)", note.Alert.ID, note.Alert.Pattern, note.Alert.Kind(), spot.Source)
	return b.String()
}

// LogNotifier writes notifications to the log. Used when no channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the rendered notification.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Info().
		Str("owner_id", note.OwnerID).
		Int64("alert_id", note.Alert.ID).
		Str("callsign", note.Spot.Callsign).
		Str("mode", note.Spot.Mode).
		Str("message", renderMessage(note)).
		Msg("spot notification")
	return nil
}

// Multi fans a notification out to every channel. All channels are attempted.
type Multi struct {
	notifiers []namedNotifier
}

type namedNotifier struct {
	name     string
	notifier Notifier
}

// NewMulti constructs an empty fan-out notifier.
func NewMulti() *Multi {
	return &Multi{}
}

// Add registers a channel under name.
func (m *Multi) Add(name string, n Notifier) *Multi {
	m.notifiers = append(m.notifiers, namedNotifier{name: name, notifier: n})
	return m
}

// Len reports the number of registered channels.
func (m *Multi) Len() int {
	return len(m.notifiers)
}

// Notify delivers to every channel and joins the failures as DeliveryErrors.
func (m *Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, nn := range m.notifiers {
		if err := nn.notifier.Notify(ctx, note); err != nil {
			errs = append(errs, &domain.DeliveryError{Channel: nn.name, Err: err})
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*Multi)(nil)
)
