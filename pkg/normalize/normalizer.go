package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hervehildenbrand/threatmap/pkg/database"
	"github.com/hervehildenbrand/threatmap/pkg/models"
)

// timestampLayouts are tried in order for string timestamps. Layouts
// without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC1123Z,
	time.RFC1123,
}

// IPLocator finds coordinates for an IP address.
type IPLocator interface {
	Locate(ip string) (lat, lng float64, ok bool)
}

// Normalizer converts raw records into models. It is safe for concurrent use.
type Normalizer struct {
	resolver database.CountryResolver
	locator  IPLocator
	newID    func() string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithCountryResolver fills missing country names and coordinates from r.
func WithCountryResolver(r database.CountryResolver) Option {
	return func(n *Normalizer) {
		if r != nil {
			n.resolver = r
		}
	}
}

// WithIPLocator fills missing snapshot coordinates from l.
func WithIPLocator(l IPLocator) Option {
	return func(n *Normalizer) {
		n.locator = l
	}
}

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(fn func() string) Option {
	return func(n *Normalizer) {
		if fn != nil {
			n.newID = fn
		}
	}
}

// New creates a Normalizer. With no options it applies only the sentinel
// defaults: missing coordinates become 0, codes "UNK", names "Unknown".
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		resolver: database.NewNullResolver(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NormalizeAttack converts one stream record. The only failure is an
// unparseable timestamp, wrapped as models.ErrInvalidTimestamp.
func (n *Normalizer) NormalizeAttack(raw RawAttack) (models.Attack, error) {
	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return models.Attack{}, err
	}

	return models.Attack{
		ID:        n.newID(),
		Source:    n.country(raw.SourceCountryCode, raw.SourceCountryName, raw.SourceLatitude, raw.SourceLongitude),
		Target:    n.country(raw.DestinationCountryCode, raw.DestinationCountryName, raw.DestinationLatitude, raw.DestinationLongitude),
		Types:     attackTypes(raw.AttackTypes),
		Severity:  ClassifyAttackCount(attackCount(raw.AttackCount)),
		Timestamp: ts,
	}, nil
}

// NormalizeIP converts one snapshot record. observedAt is used when the
// record carries no timestamp; a present but unparseable one is an error.
func (n *Normalizer) NormalizeIP(raw RawMaliciousIP, observedAt time.Time) (models.MaliciousIP, error) {
	ts := observedAt
	if rawString(raw.Timestamp) != "" {
		parsed, err := ParseTimestamp(raw.Timestamp)
		if err != nil {
			return models.MaliciousIP{}, err
		}
		ts = parsed
	}

	ip := strings.TrimSpace(raw.IP)
	lat, lng := raw.Latitude.OrZero(), raw.Longitude.OrZero()
	if (!raw.Latitude.Valid || !raw.Longitude.Valid) && n.locator != nil && ip != "" {
		if llat, llng, ok := n.locator.Locate(ip); ok {
			lat, lng = llat, llng
		}
	}

	return models.MaliciousIP{
		ID:        n.newID(),
		IP:        ip,
		Latitude:  lat,
		Longitude: lng,
		Timestamp: ts,
		Severity:  ClassifyThreatType(raw.Type),
	}, nil
}

// country builds a Country, substituting sentinels for missing fields after
// giving the resolver a chance to fill them.
func (n *Normalizer) country(code, name string, lat, lng NullableFloat) models.Country {
	code = strings.TrimSpace(code)
	name = strings.TrimSpace(name)

	c := models.Country{
		Code:      code,
		Name:      name,
		Latitude:  lat.OrZero(),
		Longitude: lng.OrZero(),
	}

	if code != "" && (name == "" || !lat.Valid || !lng.Valid) {
		if info, ok := n.resolver.Resolve(code); ok {
			if name == "" {
				c.Name = info.Name
			}
			if (!lat.Valid || !lng.Valid) && info.HasLocation() {
				c.Latitude = info.Latitude
				c.Longitude = info.Longitude
			}
		}
	}

	if c.Code == "" {
		c.Code = models.UnknownCountryCode
	}
	if c.Name == "" {
		c.Name = models.UnknownCountryName
	}
	return c
}

// attackCount renders the attack count the way the classifier tables key
// it: integral numbers without a fraction, strings as sent.
func attackCount(data json.RawMessage) string {
	s := rawString(data)
	if s == "" {
		return "0"
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) && !math.IsInf(f, 0) {
		return strconv.FormatInt(int64(f), 10)
	}
	return s
}

func attackTypes(data json.RawMessage) []models.AttackType {
	labels := rawStrings(data)
	types := make([]models.AttackType, 0, len(labels))
	seen := make(map[models.AttackType]bool, len(labels))
	for _, label := range labels {
		t, ok := models.ParseAttackType(label)
		if !ok || seen[t] {
			continue
		}
		seen[t] = true
		types = append(types, t)
	}
	return types
}

// ParseTimestamp reads a date-time string or a Unix number (seconds, or
// milliseconds when larger than 1e12).
func ParseTimestamp(data json.RawMessage) (time.Time, error) {
	data = bytes.TrimSpace(data)
	s := strings.TrimSpace(rawString(data))
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: missing", models.ErrInvalidTimestamp)
	}

	// Bare JSON numbers and numeric strings are Unix times.
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			return time.Time{}, fmt.Errorf("%w: %q", models.ErrInvalidTimestamp, s)
		}
		if f > 1e12 {
			return time.UnixMilli(int64(f)).UTC(), nil
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", models.ErrInvalidTimestamp, s)
}
