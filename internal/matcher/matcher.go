// Package matcher decides which alert rules an incoming spot satisfies.
package matcher

import (
	"strings"

	"spot-alerts/internal/domain"
)

// Matcher is immutable after construction and safe for concurrent use.
type Matcher struct {
	defaultModes map[string]struct{}
}

// New constructs a Matcher. defaultModes applies to alerts that carry no modes of their own.
func New(defaultModes []string) *Matcher {
	set := make(map[string]struct{}, len(defaultModes))
	for _, m := range domain.NormalizeModes(defaultModes) {
		set[m] = struct{}{}
	}
	return &Matcher{defaultModes: set}
}

// Match returns the subset of alerts that spot satisfies, preserving input order.
func (m *Matcher) Match(spot domain.Spot, alerts []domain.Alert) []domain.Alert {
	var matched []domain.Alert
	for _, alert := range alerts {
		if m.Matches(spot, alert) {
			matched = append(matched, alert)
		}
	}
	return matched
}

// Matches reports whether spot satisfies a single alert. Liveness is the caller's concern.
func (m *Matcher) Matches(spot domain.Spot, alert domain.Alert) bool {
	if spot.Source != alert.Source {
		return false
	}

	callsign := strings.ToUpper(spot.Callsign)
	pattern := strings.ToUpper(alert.Pattern)
	if pattern == "" || callsign == "" {
		return false
	}

	if alert.IsPrefix {
		if !strings.HasPrefix(callsign, pattern) {
			return false
		}
	} else if callsign != pattern {
		return false
	}

	return m.modeAllowed(strings.ToUpper(spot.Mode), alert.Modes)
}

func (m *Matcher) modeAllowed(mode string, alertModes []string) bool {
	if len(alertModes) == 0 {
		_, ok := m.defaultModes[mode]
		return ok
	}
	for _, am := range alertModes {
		if strings.EqualFold(am, mode) {
			return true
		}
	}
	return false
}
