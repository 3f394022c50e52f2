package rent

import (
	"sort"

	"commutecircles/pkg/types"
)

// Stats summarizes the cost-per-square observations of a station.
type Stats struct {
	Count  int     `json:"count"`
	Median float64 `json:"median"`
	Q1     float64 `json:"q1"`
	Q3     float64 `json:"q3"`
	IQR    float64 `json:"iqr"`
}

// Summarize computes the statistics of prices. The quartiles are the sorted
// values at index floor(n*0.25) and floor(n*0.75). It reports false for an
// empty input.
func Summarize(prices []float64) (Stats, bool) {
	n := len(prices)
	if n == 0 {
		return Stats{}, false
	}

	sorted := append([]float64(nil), prices...)
	sort.Float64s(sorted)

	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	q1 := sorted[int(float64(n)*0.25)]
	q3 := sorted[int(float64(n)*0.75)]

	return Stats{
		Count:  n,
		Median: median,
		Q1:     q1,
		Q3:     q3,
		IQR:    q3 - q1,
	}, true
}

// StationRent pairs a station with its statistics; Stats is nil without data.
type StationRent struct {
	Station types.LocationKey `json:"station"`
	Stats   *Stats            `json:"stats,omitempty"`
}

// Rank sorts entries by ascending median. Stations without data go last and
// ties are broken by name.
func Rank(entries []StationRent) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.Stats == nil && b.Stats == nil:
			return a.Station < b.Station
		case a.Stats == nil:
			return false
		case b.Stats == nil:
			return true
		case a.Stats.Median != b.Stats.Median:
			return a.Stats.Median < b.Stats.Median
		default:
			return a.Station < b.Station
		}
	})
}
