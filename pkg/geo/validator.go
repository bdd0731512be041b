package geo

import "github.com/hervehildenbrand/threatmap/pkg/models"

// IsDisplayable reports whether an attack may be shown: its severity is in
// the allow-list, both countries have real codes, and none of the four
// coordinates is exactly zero. Zero is indistinguishable from a missing
// value after normalization, so it is rejected even though (0,0) exists.
func IsDisplayable(a models.Attack, allowed models.SeveritySet) bool {
	if !allowed.Contains(a.Severity) {
		return false
	}
	if a.Source.Code == models.UnknownCountryCode || a.Target.Code == models.UnknownCountryCode {
		return false
	}
	return a.Source.Latitude != 0 &&
		a.Source.Longitude != 0 &&
		a.Target.Latitude != 0 &&
		a.Target.Longitude != 0
}

// IsDisplayableIP reports whether a malicious IP can be placed on the map.
// Like attacks, a zero coordinate is treated as missing.
func IsDisplayableIP(ip models.MaliciousIP) bool {
	return ip.Latitude != 0 && ip.Longitude != 0
}

// FilterDisplayableIPs returns the placeable IPs of ips in their original order.
func FilterDisplayableIPs(ips []models.MaliciousIP) []models.MaliciousIP {
	out := make([]models.MaliciousIP, 0, len(ips))
	for _, ip := range ips {
		if IsDisplayableIP(ip) {
			out = append(out, ip)
		}
	}
	return out
}

// FilterDisplayable returns the displayable attacks of batch in their original order.
func FilterDisplayable(batch []models.Attack, allowed models.SeveritySet) []models.Attack {
	out := make([]models.Attack, 0, len(batch))
	for _, a := range batch {
		if IsDisplayable(a, allowed) {
			out = append(out, a)
		}
	}
	return out
}
