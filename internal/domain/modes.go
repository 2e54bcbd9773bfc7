package domain

import (
	"sort"
	"strings"
)

// Known spot sources.
const (
	SourcePSKReporter = "pskreporter"
)

// PSKReporterModes lists the digital modes reported by PSKReporter.
var PSKReporterModes = []string{
	"FT8", "FT4", "PSK31", "PSK63", "PSK125", "CW", "RTTY",
	"JT65", "JT9", "WSPR", "APRS", "FSK441", "JTMS", "ISCAT",
	"MSK144", "QRA64", "T10", "WSPR-15",
}

// DefaultModes are matched when an alert names no modes.
var DefaultModes = []string{"FT8", "FT4", "PSK31", "CW", "RTTY"}

// SupportedModes returns the modes a source can report, or nil when any mode is accepted.
func SupportedModes(source string) []string {
	switch source {
	case SourcePSKReporter:
		return PSKReporterModes
	default:
		return nil
	}
}

// NormalizeModes upper-cases, trims and de-duplicates modes, dropping empties. Order is sorted.
func NormalizeModes(modes []string) []string {
	seen := make(map[string]struct{}, len(modes))
	out := make([]string, 0, len(modes))
	for _, m := range modes {
		for _, part := range strings.Split(m, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	sort.Strings(out)
	return out
}
