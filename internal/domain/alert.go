package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Alert is a watch rule registered by an owner for a callsign or prefix.
type Alert struct {
	ID        int64
	OwnerID   string
	Pattern   string
	IsPrefix  bool
	Modes     []string
	Source    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Active    bool
}

// Live reports whether the alert may match spots at now.
func (a Alert) Live(now time.Time) bool {
	return a.Active && now.Before(a.ExpiresAt)
}

// Kind returns "prefix" or "callsign".
func (a Alert) Kind() string {
	if a.IsPrefix {
		return "prefix"
	}
	return "callsign"
}

// Spot is a single observation reported by a spot source.
type Spot struct {
	ID        string
	Callsign  string
	Mode      string
	Source    string
	Timestamp time.Time
	Frequency decimal.Decimal // Hz, zero when unknown
	Spotter   string
	Locator   string
}

// Normalize upper-cases the callsign, mode and spotter and lower-cases the source.
func (s Spot) Normalize() Spot {
	s.Callsign = strings.ToUpper(strings.TrimSpace(s.Callsign))
	s.Mode = strings.ToUpper(strings.TrimSpace(s.Mode))
	s.Spotter = strings.ToUpper(strings.TrimSpace(s.Spotter))
	s.Source = strings.ToLower(strings.TrimSpace(s.Source))
	s.Timestamp = s.Timestamp.UTC()
	if s.ID == "" {
		s.ID = s.Key()
	}
	return s
}

// Key derives a stable identifier from callsign, mode, frequency and time.
func (s Spot) Key() string {
	freq := "0"
	if !s.Frequency.IsZero() {
		freq = s.Frequency.String()
	}
	return fmt.Sprintf("%s_%s_%s_%d", s.Callsign, s.Mode, freq, s.Timestamp.Unix())
}

// SpotNotification is a Spot Log entry: alert AlertID was notified for a spot.
type SpotNotification struct {
	ID        int64
	AlertID   int64
	OwnerID   string
	SpotID    string
	Source    string
	Callsign  string
	Mode      string
	Frequency decimal.Decimal
	SpotTime  time.Time
	SentAt    time.Time
}

// NewSpotNotification builds the Spot Log entry recorded when alert fires for spot.
func NewSpotNotification(alert Alert, spot Spot, sentAt time.Time) SpotNotification {
	return SpotNotification{
		AlertID:   alert.ID,
		OwnerID:   alert.OwnerID,
		SpotID:    spotID(spot),
		Source:    spot.Source,
		Callsign:  spot.Callsign,
		Mode:      spot.Mode,
		Frequency: spot.Frequency,
		SpotTime:  spot.Timestamp,
		SentAt:    sentAt,
	}
}

func spotID(spot Spot) string {
	if spot.ID != "" {
		return spot.ID
	}
	return spot.Key()
}

// HourlyCount is the number of notifications sent in the hour starting at Hour.
type HourlyCount struct {
	Hour  time.Time
	Count int64
}
