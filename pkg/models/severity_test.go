package models

import "testing"

func TestSeverityRankOrdering(t *testing.T) {
	for i := 0; i < len(AllSeverities)-1; i++ {
		hi, lo := AllSeverities[i], AllSeverities[i+1]
		if hi.Rank() <= lo.Rank() {
			t.Errorf("expected %s to rank above %s", hi, lo)
		}
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		input string
		want  Severity
		ok    bool
	}{
		{"Critical", SeverityCritical, true},
		{"high", SeverityHigh, true},
		{" MEDIUM ", SeverityMedium, true},
		{"low", SeverityLow, true},
		{"unknown", SeverityUnknown, true},
		{"severe", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseSeverity(tt.input)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseSeverity(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSeveritySet(t *testing.T) {
	set := DefaultSeveritySet()
	if set.Contains(SeverityUnknown) {
		t.Error("default set should not contain Unknown")
	}
	got := set.Slice()
	want := []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}
	if len(got) != len(want) {
		t.Fatalf("Slice() length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Slice()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestParseAttackType(t *testing.T) {
	tests := []struct {
		input string
		want  AttackType
		ok    bool
	}{
		{"DDoS Attack", AttackTypeDDoS, true},
		{"ddos", AttackTypeDDoS, true},
		{"XSS", AttackTypeXSS, true},
		{"Cross-Site Scripting", AttackTypeXSS, true},
		{"Zero-Day Exploit", AttackTypeZeroDay, true},
		{"Brute Force", AttackTypeBruteForce, true},
		{"Botnet", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseAttackType(tt.input)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseAttackType(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestCountryIsResolved(t *testing.T) {
	tests := []struct {
		name string
		c    Country
		want bool
	}{
		{"resolved", Country{Code: "US", Latitude: 38, Longitude: -97}, true},
		{"unknown code", Country{Code: UnknownCountryCode, Latitude: 38, Longitude: -97}, false},
		{"null island", Country{Code: "US"}, false},
	}
	for _, tt := range tests {
		if got := tt.c.IsResolved(); got != tt.want {
			t.Errorf("%s: IsResolved() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
