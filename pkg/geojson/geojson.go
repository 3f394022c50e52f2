// Package geojson renders an evaluation as an RFC 7946 FeatureCollection.
//
// Styling uses simplestyle property names (stroke, fill, fill-opacity,
// marker-color) so the output displays as-is on geojson.io and GitHub.
package geojson

import (
	"encoding/json"
	"fmt"

	"commutecircles/pkg/engine"
	"commutecircles/pkg/geo"
	"commutecircles/pkg/lens"
	"commutecircles/pkg/parser"
	"commutecircles/pkg/rent"
	"commutecircles/pkg/types"
)

// CircleSteps is the number of segments used to draw a reachability circle.
const CircleSteps = 64

const (
	anchor1Color = "#3388ff"
	anchor2Color = "#ff69b4"
	lensColor    = "#800080"
	fillOpacity  = 0.6
)

// Point is a position as [lng, lat].
type Point [2]float64

func (p Point) Lng() float64 { return p[0] }

func (p Point) Lat() float64 { return p[1] }

func pointOf(c geo.Coordinate) Point {
	return Point{c.Lng, c.Lat}
}

type Geometry struct {
	Type        string      `json:"type"`
	Coordinates interface{} `json:"coordinates"`
}

type Feature struct {
	Type       string                 `json:"type"`
	Geometry   Geometry               `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

func NewFeatureCollection() *FeatureCollection {
	return &FeatureCollection{
		Type:     "FeatureCollection",
		Features: []Feature{},
	}
}

func (fc *FeatureCollection) AddFeature(f Feature) {
	fc.Features = append(fc.Features, f)
}

// Marshal returns the indented JSON encoding of fc.
func (fc *FeatureCollection) Marshal() ([]byte, error) {
	return json.MarshalIndent(fc, "", "  ")
}

func NewPointFeature(c geo.Coordinate, props map[string]interface{}) Feature {
	return Feature{
		Type: "Feature",
		Geometry: Geometry{
			Type:        "Point",
			Coordinates: pointOf(c),
		},
		Properties: props,
	}
}

// NewPolygonFeature builds a single-ring polygon from a closed ring.
func NewPolygonFeature(ring []geo.Coordinate, props map[string]interface{}) Feature {
	coords := make([]Point, len(ring))
	for i, c := range ring {
		coords[i] = pointOf(c)
	}
	return Feature{
		Type: "Feature",
		Geometry: Geometry{
			Type:        "Polygon",
			Coordinates: [][]Point{coords},
		},
		Properties: props,
	}
}

// CircleRing samples c as a closed ring of CircleSteps+1 positions, clockwise
// from north.
func CircleRing(c lens.Circle) []geo.Coordinate {
	ring := make([]geo.Coordinate, 0, CircleSteps+1)
	for i := 0; i < CircleSteps; i++ {
		bearing := 360 * float64(i) / CircleSteps
		ring = append(ring, geo.DestinationPoint(c.Center, bearing, c.RadiusMeters))
	}
	return append(ring, ring[0])
}

// Locator places stations on the map.
type Locator interface {
	Coordinate(key types.LocationKey) (geo.Coordinate, bool)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(key types.LocationKey) (geo.Coordinate, bool)

func (f LocatorFunc) Coordinate(key types.LocationKey) (geo.Coordinate, bool) {
	return f(key)
}

// Render draws both circles, their anchors, the lens (when the circles
// intersect) and every ranked station the locator can place. Stations are
// drawn in rank order.
func Render(res *engine.Result, ranked []rent.StationRent, locator Locator) *FeatureCollection {
	fc := NewFeatureCollection()
	markers := parser.NewMarkerGenerator()

	anchors := []struct {
		anchor engine.AnchorResult
		color  string
	}{
		{res.Anchor1, anchor1Color},
		{res.Anchor2, anchor2Color},
	}

	for i, a := range anchors {
		fc.AddFeature(NewPolygonFeature(CircleRing(a.anchor.Circle), map[string]interface{}{
			"kind":           "circle",
			"anchor":         string(a.anchor.Key),
			"edge":           string(a.anchor.Edge),
			"radius_meters":  a.anchor.Circle.RadiusMeters,
			"budget_minutes": a.anchor.BudgetMinutes,
			"degenerate":     a.anchor.Degenerate,
			"stroke":         a.color,
			"fill":           a.color,
			"fill-opacity":   fillOpacity,
		}))
		fc.AddFeature(NewPointFeature(a.anchor.Coordinate, map[string]interface{}{
			"kind":         "anchor",
			"anchor":       string(a.anchor.Key),
			"index":        i + 1,
			"marker-color": a.color,
			"marker-image": markers.GenerateAnchorBadge(string(a.anchor.Key), i+1, a.anchor.BudgetMinutes),
		}))
	}

	if ring := res.Lens.Ring(); len(ring) > 0 {
		fc.AddFeature(NewPolygonFeature(ring, map[string]interface{}{
			"kind":           "lens",
			"classification": res.Lens.Classification.String(),
			"stroke":         lensColor,
			"fill":           lensColor,
			"fill-opacity":   fillOpacity,
		}))
	}

	withData := CountWithData(ranked)
	for i, r := range ranked {
		c, ok := locator.Coordinate(r.Station)
		if !ok {
			continue
		}

		props := map[string]interface{}{
			"kind":    "station",
			"station": string(r.Station),
		}
		tooltip := fmt.Sprintf("%s: no rent data", r.Station)
		if r.Stats != nil {
			tooltip = fmt.Sprintf("%s: median ¥%.2f/m²", r.Station, r.Stats.Median)
			props["rank"] = i + 1
			props["median"] = r.Stats.Median
			props["iqr"] = r.Stats.IQR
			props["count"] = r.Stats.Count
		}
		props["description"] = tooltip
		props["marker-color"] = parser.TierColor(markerRank(r, i), withData)
		props["marker-image"] = StationMarker(markers, r, i, withData)

		fc.AddFeature(NewPointFeature(c, props))
	}

	return fc
}

// CountWithData returns how many ranked stations carry rent statistics.
func CountWithData(ranked []rent.StationRent) int {
	n := 0
	for _, r := range ranked {
		if r.Stats != nil {
			n++
		}
	}
	return n
}

func markerRank(r rent.StationRent, i int) int {
	if r.Stats == nil {
		return -1
	}
	return i
}

// StationMarker draws the marker of the i-th ranked station: its median rent
// tinted by tier, or its bare name in grey when it has no data.
func StationMarker(markers *parser.MarkerGenerator, r rent.StationRent, i, withData int) string {
	label := rent.RawStationName(r.Station)
	if r.Stats != nil {
		label = fmt.Sprintf("¥%.0f", r.Stats.Median)
	}
	return markers.GenerateStationMarker(label, markerRank(r, i), withData)
}
