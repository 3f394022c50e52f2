// Package lens computes the overlap of two reachability circles on the sphere.
//
// Intersection points are found with the planar two-circle construction applied
// to great-circle distances, then projected back onto the sphere along
// bearings. This small-circle approximation is accurate for radii of a few tens
// of kilometres. Behaviour across the antimeridian or near the poles is not
// defined.
package lens

import (
	"errors"
	"fmt"
	"math"

	"commutecircles/pkg/geo"
)

const (
	// EdgeBufferMeters is added to every radius so the farthest point sits inside its circle.
	EdgeBufferMeters = 50.0

	// MinEdgeDistanceMeters is the smallest center-to-edge distance NewCircle accepts.
	MinEdgeDistanceMeters = 1.0

	// ArcSteps is the number of segments per boundary arc; each arc has ArcSteps+1 samples.
	ArcSteps = 20
)

// ErrDegenerateRadius is returned when the edge point coincides with the center.
var ErrDegenerateRadius = errors.New("degenerate radius: edge point coincides with center")

// Circle is a reachability circle on the sphere.
type Circle struct {
	Center       geo.Coordinate `json:"center"`
	RadiusMeters float64        `json:"radius_meters"`
}

// NewCircle builds the circle centered on center that reaches edge, plus the buffer.
func NewCircle(center, edge geo.Coordinate) (Circle, error) {
	d := geo.Distance(center, edge)
	if d < MinEdgeDistanceMeters {
		return Circle{}, fmt.Errorf("%w (%.3f m)", ErrDegenerateRadius, d)
	}
	return Circle{Center: center, RadiusMeters: d + EdgeBufferMeters}, nil
}

// BufferCircle is the buffer-only circle used when no usable edge point exists.
func BufferCircle(center geo.Coordinate) Circle {
	return Circle{Center: center, RadiusMeters: EdgeBufferMeters}
}

// Contains reports whether p lies inside or on the circle.
func (c Circle) Contains(p geo.Coordinate) bool {
	return geo.Distance(c.Center, p) <= c.RadiusMeters
}

// Classification describes how two circles relate.
type Classification int

const (
	Disjoint Classification = iota
	Contained
	Intersecting
)

func (c Classification) String() string {
	switch c {
	case Disjoint:
		return "disjoint"
	case Contained:
		return "contained"
	case Intersecting:
		return "intersecting"
	default:
		return fmt.Sprintf("Classification(%d)", int(c))
	}
}

func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Region is the lens-shaped overlap of two circles. Boundary is empty unless
// the circles intersect.
type Region struct {
	Classification Classification   `json:"classification"`
	Boundary       []geo.Coordinate `json:"boundary,omitempty"`
	Intersections  []geo.Coordinate `json:"intersections,omitempty"`
}

// Ring returns the boundary closed by repeating its first point, or nil when
// there is no boundary.
func (r Region) Ring() []geo.Coordinate {
	if len(r.Boundary) == 0 {
		return nil
	}
	ring := make([]geo.Coordinate, 0, len(r.Boundary)+1)
	ring = append(ring, r.Boundary...)
	return append(ring, r.Boundary[0])
}

// Intersect classifies two circles and, when they cross, traces the lens
// boundary: the arc of c1 from P1 to P2 followed by the arc of c2 from P2 back
// to P1. Each arc is the one facing the other circle's center. Touching
// circles are classified as disjoint or contained.
func Intersect(c1, c2 Circle) Region {
	d := geo.Distance(c1.Center, c2.Center)
	r1, r2 := c1.RadiusMeters, c2.RadiusMeters

	if d >= r1+r2 {
		return Region{Classification: Disjoint}
	}
	if d <= math.Abs(r1-r2) {
		return Region{Classification: Contained}
	}

	a := (r1*r1 - r2*r2 + d*d) / (2 * d)
	h := math.Sqrt(r1*r1 - a*a)
	if math.IsNaN(h) || h <= 0 {
		return Region{Classification: Disjoint}
	}

	baseline := geo.Bearing(c1.Center, c2.Center)
	phi := math.Atan2(h, a) * 180 / math.Pi

	p1 := geo.DestinationPoint(c1.Center, baseline-phi, r1)
	p2 := geo.DestinationPoint(c1.Center, baseline+phi, r1)

	boundary := make([]geo.Coordinate, 0, 2*(ArcSteps+1))
	boundary = appendArc(boundary, c1, baseline-phi, 2*phi)

	from := geo.Bearing(c2.Center, p2)
	to := geo.Bearing(c2.Center, p1)
	through := geo.Bearing(c2.Center, c1.Center)
	boundary = appendArc(boundary, c2, from, arcSweep(from, to, through))

	return Region{
		Classification: Intersecting,
		Boundary:       boundary,
		Intersections:  []geo.Coordinate{p1, p2},
	}
}

// arcSweep returns the signed sweep in degrees that turns from bearing from to
// bearing to while passing through bearing through.
func arcSweep(from, to, through float64) float64 {
	clockwise := geo.NormalizeBearing(to - from)
	if geo.NormalizeBearing(through-from) <= clockwise {
		return clockwise
	}
	return clockwise - 360
}

func appendArc(dst []geo.Coordinate, c Circle, start, sweep float64) []geo.Coordinate {
	for i := 0; i <= ArcSteps; i++ {
		bearing := start + sweep*float64(i)/ArcSteps
		dst = append(dst, geo.DestinationPoint(c.Center, bearing, c.RadiusMeters))
	}
	return dst
}
