package models

import "strings"

// Severity is the closed set of severity levels shown on the map.
type Severity string

// Severity levels
const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
	SeverityUnknown  Severity = "Unknown"
)

// AllSeverities lists every severity from most to least severe.
var AllSeverities = []Severity{
	SeverityCritical,
	SeverityHigh,
	SeverityMedium,
	SeverityLow,
	SeverityUnknown,
}

// Rank orders severities for display: Critical=4 down to Unknown=0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Color returns the hex stroke color the map uses for this severity.
func (s Severity) Color() string {
	switch s {
	case SeverityCritical:
		return "#dc2626"
	case SeverityHigh:
		return "#ea580c"
	case SeverityMedium:
		return "#ca8a04"
	case SeverityLow:
		return "#2563eb"
	default:
		return "#9333ea"
	}
}

// ParseSeverity matches a severity label case-insensitively.
func ParseSeverity(s string) (Severity, bool) {
	for _, sev := range AllSeverities {
		if strings.EqualFold(strings.TrimSpace(s), string(sev)) {
			return sev, true
		}
	}
	return "", false
}

// SeveritySet is a severity allow-list.
type SeveritySet map[Severity]struct{}

// NewSeveritySet builds an allow-list from the given severities.
func NewSeveritySet(severities ...Severity) SeveritySet {
	set := make(SeveritySet, len(severities))
	for _, s := range severities {
		set[s] = struct{}{}
	}
	return set
}

// DefaultSeveritySet is the allow-list used when none is configured.
// Unknown is excluded, matching the map's initial filter.
func DefaultSeveritySet() SeveritySet {
	return NewSeveritySet(SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical)
}

// Contains reports whether s is allowed.
func (set SeveritySet) Contains(s Severity) bool {
	_, ok := set[s]
	return ok
}

// Slice returns the members ordered from most to least severe.
func (set SeveritySet) Slice() []Severity {
	out := make([]Severity, 0, len(set))
	for _, s := range AllSeverities {
		if set.Contains(s) {
			out = append(out, s)
		}
	}
	return out
}
