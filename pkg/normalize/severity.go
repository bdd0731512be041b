// Package normalize turns raw upstream records into canonical attacks and
// malicious IPs, filling gaps with sentinel values instead of failing.
package normalize

import (
	"strings"

	"github.com/hervehildenbrand/threatmap/pkg/models"
)

// attackCountSeverity maps the stream's "Attack Count" bucket to a severity.
var attackCountSeverity = map[string]models.Severity{
	"1": models.SeverityLow,
	"2": models.SeverityLow,
	"3": models.SeverityMedium,
	"4": models.SeverityHigh,
	"5": models.SeverityCritical,
}

// threatTypeSeverity maps the snapshot's "type" token to a severity.
var threatTypeSeverity = map[string]models.Severity{
	"malicious": models.SeverityHigh,
}

// ClassifyAttackCount classifies a stream record's attack count.
// Anything outside the 1-5 table is Unknown.
func ClassifyAttackCount(raw string) models.Severity {
	if sev, ok := attackCountSeverity[strings.TrimSpace(raw)]; ok {
		return sev
	}
	return models.SeverityUnknown
}

// ClassifyThreatType classifies a snapshot record's type token.
// Anything not in the table is Medium.
func ClassifyThreatType(raw string) models.Severity {
	if sev, ok := threatTypeSeverity[strings.TrimSpace(raw)]; ok {
		return sev
	}
	return models.SeverityMedium
}
