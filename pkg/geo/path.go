// Package geo holds the map geometry: display validation of attacks and the
// straight-line path computation used to draw them.
package geo

import (
	"math"

	geojson "github.com/paulmach/go.geojson"

	"github.com/hervehildenbrand/threatmap/pkg/models"
)

// Map bounds supported by the renderer's projection.
const (
	MinLng = -180.0
	MaxLng = 180.0
	MinLat = -85.0
	MaxLat = 85.0

	// Paths wider or taller than this would sweep across most of the map.
	maxPathLength = 170.0
	maxPathHeight = 160.0
)

// Point is a [longitude, latitude] pair, the order map libraries expect.
type Point [2]float64

// Lng returns the longitude.
func (p Point) Lng() float64 { return p[0] }

// Lat returns the latitude.
func (p Point) Lat() float64 { return p[1] }

// Path is a renderable straight segment between two map points. Marker is
// where the travelling marker starts; it always equals From.
type Path struct {
	From   Point
	To     Point
	Marker Point
}

// NormalizeLng wraps a longitude into [-180, 180] by whole turns.
func NormalizeLng(lng float64) float64 {
	if math.IsNaN(lng) || math.IsInf(lng, 0) {
		return lng
	}
	if math.Abs(lng) > 1e6 {
		lng = math.Mod(lng, 360)
	}
	for lng > MaxLng {
		lng -= 360
	}
	for lng < MinLng {
		lng += 360
	}
	return lng
}

// ClampLat limits a latitude to the projection's [-85, 85] band.
func ClampLat(lat float64) float64 {
	return math.Max(MinLat, math.Min(MaxLat, lat))
}

// ComputePath returns the path from one country to another, or false when
// the pair cannot be drawn as a single sensible segment.
func ComputePath(from, to models.Country) (Path, bool) {
	fromLng := NormalizeLng(from.Longitude)
	toLng := NormalizeLng(to.Longitude)
	if math.IsNaN(fromLng) || math.IsNaN(toLng) || math.IsInf(fromLng, 0) || math.IsInf(toLng, 0) {
		return Path{}, false
	}
	if math.IsNaN(from.Latitude) || math.IsNaN(to.Latitude) {
		return Path{}, false
	}
	fromLat := ClampLat(from.Latitude)
	toLat := ClampLat(to.Latitude)

	// Take the short way across the antimeridian.
	lngDiff := toLng - fromLng
	if lngDiff > 180 {
		toLng -= 360
	} else if lngDiff < -180 {
		toLng += 360
	}

	if toLng < MinLng || toLng > MaxLng {
		return Path{}, false
	}
	if math.Abs(toLng-fromLng) > maxPathLength || math.Abs(toLat-fromLat) > maxPathHeight {
		return Path{}, false
	}

	start := Point{fromLng, fromLat}
	return Path{
		From:   start,
		To:     Point{toLng, toLat},
		Marker: start,
	}, true
}

// Feature renders the path as a GeoJSON LineString feature.
func (p Path) Feature() *geojson.Feature {
	return geojson.NewLineStringFeature([][]float64{
		{p.From.Lng(), p.From.Lat()},
		{p.To.Lng(), p.To.Lat()},
	})
}

// AttackFeature renders an attack's path with the properties a map client
// needs to style and label it. It returns false when the path is rejected.
func AttackFeature(a models.Attack) (*geojson.Feature, bool) {
	path, ok := ComputePath(a.Source, a.Target)
	if !ok {
		return nil, false
	}
	f := path.Feature()
	f.ID = a.ID
	types := make([]string, len(a.Types))
	for i, t := range a.Types {
		types[i] = string(t)
	}
	f.SetProperty("severity", string(a.Severity))
	f.SetProperty("stroke", a.Severity.Color())
	f.SetProperty("source", a.Source.Name)
	f.SetProperty("target", a.Target.Name)
	f.SetProperty("types", types)
	f.SetProperty("timestamp", a.Timestamp)
	f.SetProperty("marker", []float64{path.Marker.Lng(), path.Marker.Lat()})
	return f, true
}

// IPFeature renders a malicious IP as a GeoJSON point.
func IPFeature(ip models.MaliciousIP) *geojson.Feature {
	f := geojson.NewPointFeature([]float64{NormalizeLng(ip.Longitude), ClampLat(ip.Latitude)})
	f.ID = ip.ID
	f.SetProperty("ip", ip.IP)
	f.SetProperty("severity", string(ip.Severity))
	f.SetProperty("marker-color", ip.Severity.Color())
	return f
}
