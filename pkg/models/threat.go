// Package models defines the canonical attack and malicious-IP entities shown on the map.
package models

import (
	"strings"
	"time"
)

// Placeholder values for a country the upstream could not resolve.
const (
	UnknownCountryCode = "UNK"
	UnknownCountryName = "Unknown"
)

// Country is a geolocated endpoint of an attack.
type Country struct {
	Name      string  `json:"name"`
	Code      string  `json:"code"` // ISO code, "UNK" when unresolved
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// IsResolved reports whether the country carries a real code and a non-null-island location.
func (c Country) IsResolved() bool {
	if c.Code == UnknownCountryCode {
		return false
	}
	return c.Latitude != 0 || c.Longitude != 0
}

// Attack is one normalized event from the threat stream.
type Attack struct {
	ID        string       `json:"id"`
	Source    Country      `json:"source"`
	Target    Country      `json:"target"`
	Types     []AttackType `json:"types"`
	Severity  Severity     `json:"severity"`
	Timestamp time.Time    `json:"timestamp"`
}

// MaliciousIP is one normalized entry from the malicious-IP snapshot.
type MaliciousIP struct {
	ID        string    `json:"id"`
	IP        string    `json:"ip"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
}

// AttackType is a category of attack. Values are the display labels.
type AttackType string

// Attack types
const (
	AttackTypeDDoS         AttackType = "DDoS Attack"
	AttackTypeMalware      AttackType = "Malware"
	AttackTypePhishing     AttackType = "Phishing"
	AttackTypeRansomware   AttackType = "Ransomware"
	AttackTypeSQLInjection AttackType = "SQL Injection"
	AttackTypeXSS          AttackType = "Cross-Site Scripting"
	AttackTypeZeroDay      AttackType = "Zero-Day Exploit"
	AttackTypeBruteForce   AttackType = "Brute Force"
)

// AllAttackTypes lists every attack type in display order.
var AllAttackTypes = []AttackType{
	AttackTypeDDoS,
	AttackTypeMalware,
	AttackTypePhishing,
	AttackTypeRansomware,
	AttackTypeSQLInjection,
	AttackTypeXSS,
	AttackTypeZeroDay,
	AttackTypeBruteForce,
}

// attackTypeAliases maps lowercased wire spellings to attack types.
var attackTypeAliases = map[string]AttackType{
	"ddos":                 AttackTypeDDoS,
	"ddos attack":          AttackTypeDDoS,
	"malware":              AttackTypeMalware,
	"phishing":             AttackTypePhishing,
	"ransomware":           AttackTypeRansomware,
	"sql injection":        AttackTypeSQLInjection,
	"sqli":                 AttackTypeSQLInjection,
	"xss":                  AttackTypeXSS,
	"cross-site scripting": AttackTypeXSS,
	"zero-day":             AttackTypeZeroDay,
	"zero-day exploit":     AttackTypeZeroDay,
	"brute force":          AttackTypeBruteForce,
	"bruteforce":           AttackTypeBruteForce,
}

// ParseAttackType matches a wire string against the known attack types.
func ParseAttackType(s string) (AttackType, bool) {
	t, ok := attackTypeAliases[strings.ToLower(strings.TrimSpace(s))]
	return t, ok
}
