package snapshot

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoIPLocator resolves coordinates for snapshot IPs that arrive without them.
type GeoIPLocator struct {
	db *geoip2.Reader
}

// OpenGeoIP opens an MMDB city database.
func OpenGeoIP(path string) (*GeoIPLocator, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &GeoIPLocator{db: db}, nil
}

// Locate returns the city-level location of ip. Private, loopback and
// unlisted addresses are not located.
func (g *GeoIPLocator) Locate(ip string) (lat, lng float64, ok bool) {
	if g == nil || g.db == nil {
		return 0, 0, false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil || isPrivateIP(parsed) {
		return 0, 0, false
	}

	record, err := g.db.City(parsed)
	if err != nil {
		return 0, 0, false
	}
	lat, lng = record.Location.Latitude, record.Location.Longitude
	if lat == 0 && lng == 0 {
		return 0, 0, false
	}
	return lat, lng, true
}

// Close releases the database.
func (g *GeoIPLocator) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified()
}
