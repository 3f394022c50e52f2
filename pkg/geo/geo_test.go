package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	shibuya   = Coordinate{Lat: 35.6580, Lng: 139.7016}
	akihabara = Coordinate{Lat: 35.6984, Lng: 139.7731}
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name  string
		a, b  Coordinate
		want  float64
		delta float64
	}{
		{"same point", shibuya, shibuya, 0, 1e-9},
		{"one degree of latitude", Coordinate{0, 0}, Coordinate{1, 0}, 111194.93, 0.5},
		{"one degree of longitude at the equator", Coordinate{0, 0}, Coordinate{0, 1}, 111194.93, 0.5},
		{"shibuya to akihabara", shibuya, akihabara, 7866.9, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Distance(tt.a, tt.b), tt.delta)
		})
	}
}

func TestDistance_Symmetric(t *testing.T) {
	assert.InDelta(t, Distance(shibuya, akihabara), Distance(akihabara, shibuya), 1e-6)
}

func TestBearing(t *testing.T) {
	tests := []struct {
		name string
		a, b Coordinate
		want float64
	}{
		{"north", Coordinate{0, 0}, Coordinate{1, 0}, 0},
		{"east", Coordinate{0, 0}, Coordinate{0, 1}, 90},
		{"south", Coordinate{1, 0}, Coordinate{0, 0}, 180},
		{"west", Coordinate{0, 1}, Coordinate{0, 0}, 270},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Bearing(tt.a, tt.b)
			assert.InDelta(t, tt.want, got, 1e-6)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.Less(t, got, 360.0)
		})
	}
}

func TestNormalizeBearing(t *testing.T) {
	assert.InDelta(t, 350.0, NormalizeBearing(-10), 1e-9)
	assert.InDelta(t, 10.0, NormalizeBearing(370), 1e-9)
	assert.InDelta(t, 0.0, NormalizeBearing(360), 1e-9)
	assert.InDelta(t, 0.0, NormalizeBearing(-720), 1e-9)
}

func TestDestinationPoint_RoundTrip(t *testing.T) {
	for _, bearing := range []float64{0, 45, 90, 135, 180, 225, 270, 315} {
		for _, dist := range []float64{50, 1000, 12000} {
			p := DestinationPoint(shibuya, bearing, dist)

			assert.InDelta(t, dist, Distance(shibuya, p), 0.01, "bearing %v distance %v", bearing, dist)
			assert.InDelta(t, 0, angleDiff(bearing, Bearing(shibuya, p)), 1e-6, "bearing %v distance %v", bearing, dist)
		}
	}
}

func TestDestinationPoint_ZeroDistance(t *testing.T) {
	p := DestinationPoint(akihabara, 123, 0)
	assert.InDelta(t, akihabara.Lat, p.Lat, 1e-12)
	assert.InDelta(t, akihabara.Lng, p.Lng, 1e-12)
}

func TestCoordinate_Validate(t *testing.T) {
	tests := []struct {
		name      string
		c         Coordinate
		expectErr bool
	}{
		{"valid", shibuya, false},
		{"poles and antimeridian", Coordinate{90, 180}, false},
		{"latitude too large", Coordinate{91, 0}, true},
		{"longitude too small", Coordinate{0, -181}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func angleDiff(a, b float64) float64 {
	d := NormalizeBearing(a - b)
	if d > 180 {
		d -= 360
	}
	return d
}
