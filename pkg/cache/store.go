// Package cache persists transit durations and geocoded coordinates.
//
// Rows are keyed by (origin, destination, depart_hour). A query without a
// departure hour is stored with depart_hour = -1 so it never collides with an
// explicit hour. A row whose duration is set is never overwritten.
package cache

import (
	"context"
	"fmt"
	"strings"

	"commutecircles/pkg/geo"
	"commutecircles/pkg/types"
)

// ParseFunc converts raw duration text into minutes.
type ParseFunc func(text string) (int, bool)

// Store is the reachability cache.
type Store interface {
	// Get returns the record for q, or nil when no row exists.
	Get(ctx context.Context, q types.TransitQuery) (*types.TransitRecord, error)

	// Put inserts rec, or fills an existing row whose duration is still NULL.
	Put(ctx context.Context, rec types.TransitRecord) error

	// RangeByOriginAndMaxDuration returns the sorted distinct destinations
	// reachable from origin within maxMinutes, over every departure hour.
	RangeByOriginAndMaxDuration(ctx context.Context, origin types.LocationKey, maxMinutes int) ([]types.LocationKey, error)

	// FarthestDestination returns the candidate with the largest duration
	// from origin, where a destination stored for several hours counts with
	// its fastest one. Ties go to the earliest candidate; origin is returned
	// when no candidate has a duration.
	FarthestDestination(ctx context.Context, origin types.LocationKey, candidates []types.LocationKey) (types.LocationKey, error)

	// ReachableAt and FarthestAt are the same queries restricted to the rows
	// of one departure hour (nil means no hour).
	ReachableAt(ctx context.Context, origin types.LocationKey, departureHour *int, maxMinutes int) ([]types.LocationKey, error)
	FarthestAt(ctx context.Context, origin types.LocationKey, departureHour *int, candidates []types.LocationKey) (types.LocationKey, error)

	// Backfill parses raw text for rows with a NULL duration and returns the
	// number of rows filled.
	Backfill(ctx context.Context, parse ParseFunc) (int, error)

	LoadCoordinate(ctx context.Context, key types.LocationKey) (geo.Coordinate, bool, error)
	SaveCoordinate(ctx context.Context, key types.LocationKey, c geo.Coordinate) error

	Ping(ctx context.Context) error
	Close() error
}

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and locates a backend.
type Config struct {
	Driver string
	DSN    string
}

// Open connects to the configured backend and ensures its schema.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverSQLite:
		s, err := OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres, "postgresql", "pgx":
		s, err := OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", cfg.Driver)
	}
}

// farthest picks the candidate with the largest duration. Durations are
// positive, so a candidate must beat zero to be chosen.
func farthest(origin types.LocationKey, candidates []types.LocationKey, durations map[types.LocationKey]int) types.LocationKey {
	best := origin
	bestMinutes := 0
	for _, c := range candidates {
		if m, ok := durations[c]; ok && m > bestMinutes {
			best = c
			bestMinutes = m
		}
	}
	return best
}
