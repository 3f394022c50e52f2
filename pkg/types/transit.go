package types

import (
	"fmt"
	"strconv"
)

// LocationKey is an opaque, human-readable place identifier such as
// "Shibuya Station, Tokyo". Keys are compared by exact string match.
type LocationKey string

func (k LocationKey) String() string {
	return string(k)
}

// TransitQuery identifies one cached travel duration. A nil DepartureHour
// is its own key and never matches an explicit hour.
type TransitQuery struct {
	Origin        LocationKey `json:"origin"`
	Destination   LocationKey `json:"destination"`
	DepartureHour *int        `json:"departure_hour,omitempty"`
}

// QueryKey is the comparable form of a TransitQuery, usable as a map key.
type QueryKey struct {
	Origin      LocationKey
	Destination LocationKey
	Hour        int // -1 when no departure hour was given
}

// NoDepartureHour is the stored hour for queries without a departure time.
const NoDepartureHour = -1

// NewQuery builds a query, copying the departure hour so callers can't mutate it later.
func NewQuery(origin, destination LocationKey, departureHour *int) TransitQuery {
	return TransitQuery{
		Origin:        origin,
		Destination:   destination,
		DepartureHour: CopyHour(departureHour),
	}
}

// Key returns the comparable key for q.
func (q TransitQuery) Key() QueryKey {
	return QueryKey{
		Origin:      q.Origin,
		Destination: q.Destination,
		Hour:        q.StoredHour(),
	}
}

// StoredHour returns the departure hour, or NoDepartureHour when unset.
func (q TransitQuery) StoredHour() int {
	return StoredHour(q.DepartureHour)
}

// StoredHour encodes an optional departure hour the way the cache keys it.
func StoredHour(h *int) int {
	if h == nil {
		return NoDepartureHour
	}
	return *h
}

// Validate checks that the query can be used as a cache key.
func (q TransitQuery) Validate() error {
	if q.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	if q.Destination == "" {
		return fmt.Errorf("destination is required")
	}
	if q.DepartureHour != nil && (*q.DepartureHour < 0 || *q.DepartureHour > 23) {
		return fmt.Errorf("departure hour %d out of range 0-23", *q.DepartureHour)
	}
	return nil
}

func (q TransitQuery) String() string {
	hour := "any"
	if q.DepartureHour != nil {
		hour = strconv.Itoa(*q.DepartureHour) + "h"
	}
	return fmt.Sprintf("%s -> %s @ %s", q.Origin, q.Destination, hour)
}

// TransitRecord is the cached outcome of one fetch. A failed fetch is stored
// with both RawDurationText and DurationMinutes nil.
type TransitRecord struct {
	Query           TransitQuery `json:"query"`
	RawDurationText *string      `json:"raw_duration_text,omitempty"`
	DurationMinutes *int         `json:"duration_minutes,omitempty"`
}

// Resolved reports whether the record carries a parsed duration.
func (r TransitRecord) Resolved() bool {
	return r.DurationMinutes != nil
}

// Failed reports whether the fetch that produced the record returned nothing.
func (r TransitRecord) Failed() bool {
	return r.RawDurationText == nil && r.DurationMinutes == nil
}

// Minutes returns the duration and whether it is set.
func (r TransitRecord) Minutes() (int, bool) {
	if r.DurationMinutes == nil {
		return 0, false
	}
	return *r.DurationMinutes, true
}

// FailedRecord returns the null-duration record stored for a failed fetch.
func FailedRecord(q TransitQuery) TransitRecord {
	return TransitRecord{Query: q}
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// CopyHour returns an independent copy of an optional hour.
func CopyHour(h *int) *int {
	if h == nil {
		return nil
	}
	v := *h
	return &v
}
