package types

// EvaluationReport is the flattened form of one evaluation, as delivered to
// log sinks and printed in dry-run mode.
type EvaluationReport struct {
	RunID          string           `json:"run_id"`
	Timestamp      string           `json:"timestamp"`
	Anchors        []AnchorSummary  `json:"anchors"`
	Classification string           `json:"classification"`
	Overlap        []StationSummary `json:"overlap"`
	Warnings       []string         `json:"warnings,omitempty"`
}

type AnchorSummary struct {
	Key           LocationKey `json:"key"`
	Index         int         `json:"index"`
	BudgetMinutes int         `json:"budget_minutes"`
	Edge          LocationKey `json:"edge"`
	RadiusMeters  float64     `json:"radius_meters"`
	Reachable     int         `json:"reachable"`
	Latitude      float64     `json:"latitude"`
	Longitude     float64     `json:"longitude"`
	Degenerate    bool        `json:"degenerate,omitempty"`
	BadgeImage    string      `json:"badge_image,omitempty"`
}

// StationSummary is one overlap station. Rent fields are nil when the station
// has no observations; coordinates are nil when it could not be geocoded.
type StationSummary struct {
	Station      LocationKey `json:"station"`
	Rank         int         `json:"rank,omitempty"` // 1-based; 0 without rent data
	MedianRent   *float64    `json:"median_rent,omitempty"`
	IQR          *float64    `json:"iqr,omitempty"`
	Observations int         `json:"observations"`
	Latitude     *float64    `json:"latitude,omitempty"`
	Longitude    *float64    `json:"longitude,omitempty"`
	MarkerImage  string      `json:"marker_image,omitempty"`
}

// Ranked returns the stations that carry rent data.
func (r *EvaluationReport) Ranked() []StationSummary {
	var out []StationSummary
	for _, s := range r.Overlap {
		if s.MedianRent != nil {
			out = append(out, s)
		}
	}
	return out
}

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 {
	return &v
}
