// Package engine evaluates which stations are reachable from two anchors
// within their travel budgets and where the two reachable regions overlap.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"commutecircles/pkg/cache"
	"commutecircles/pkg/fetch"
	"commutecircles/pkg/geo"
	"commutecircles/pkg/lens"
	"commutecircles/pkg/metrics"
	otelutil "commutecircles/pkg/otel"
	"commutecircles/pkg/types"
)

// ErrMissingCoordinate is matched by every MissingCoordinateError.
var ErrMissingCoordinate = errors.New("missing coordinate")

// MissingCoordinateError reports an anchor the geocoder could not place.
type MissingCoordinateError struct {
	Anchor types.LocationKey
	Index  int // 1 or 2
}

func (e *MissingCoordinateError) Error() string {
	return fmt.Sprintf("missing coordinate for anchor %d (%s)", e.Index, e.Anchor)
}

func (e *MissingCoordinateError) Is(target error) bool {
	return target == ErrMissingCoordinate
}

// Geocoder places a location. Failures are reported as absent.
type Geocoder interface {
	Coordinate(ctx context.Context, key types.LocationKey) (geo.Coordinate, bool)
}

// Resolver fills the cache for a batch of pairs.
type Resolver interface {
	ResolveBatch(ctx context.Context, pairs []fetch.Pair, departureHour *int) (*fetch.Batch, error)
}

// Store is the read side of the reachability cache.
type Store interface {
	ReachableAt(ctx context.Context, origin types.LocationKey, departureHour *int, maxMinutes int) ([]types.LocationKey, error)
	FarthestAt(ctx context.Context, origin types.LocationKey, departureHour *int, candidates []types.LocationKey) (types.LocationKey, error)
	Backfill(ctx context.Context, parse cache.ParseFunc) (int, error)
}

// Request describes one evaluation.
type Request struct {
	Anchor1       types.LocationKey   `json:"anchor1"`
	Anchor2       types.LocationKey   `json:"anchor2"`
	Budget1       int                 `json:"budget1_minutes"`
	Budget2       int                 `json:"budget2_minutes"`
	Candidates    []types.LocationKey `json:"candidates"`
	DepartureHour *int                `json:"departure_hour,omitempty"`
}

func (r Request) Validate() error {
	if r.Anchor1 == "" || r.Anchor2 == "" {
		return fmt.Errorf("both anchors are required")
	}
	if r.Budget1 <= 0 || r.Budget2 <= 0 {
		return fmt.Errorf("budgets must be positive, got %d and %d", r.Budget1, r.Budget2)
	}
	if r.DepartureHour != nil && (*r.DepartureHour < 0 || *r.DepartureHour > 23) {
		return fmt.Errorf("departure hour %d out of range 0-23", *r.DepartureHour)
	}
	return nil
}

// Warning kinds.
const (
	WarningDegenerateRadius = "DegenerateRadius"
)

// Warning is a non-fatal condition met during an evaluation.
type Warning struct {
	Kind    string            `json:"kind"`
	Anchor  types.LocationKey `json:"anchor"`
	Message string            `json:"message"`
}

// BatchStats summarizes one anchor's coordinator batch.
type BatchStats struct {
	Pairs   int `json:"pairs"`
	Hits    int `json:"hits"`
	Fetched int `json:"fetched"`
	Failed  int `json:"failed"`
}

// AnchorResult is everything computed for one anchor.
type AnchorResult struct {
	Key           types.LocationKey   `json:"key"`
	Coordinate    geo.Coordinate      `json:"coordinate"`
	BudgetMinutes int                 `json:"budget_minutes"`
	Reachable     []types.LocationKey `json:"reachable"`
	Edge          types.LocationKey   `json:"edge"`
	Circle        lens.Circle         `json:"circle"`
	Degenerate    bool                `json:"degenerate"`
	Batch         BatchStats          `json:"batch"`
}

// Result is the outcome of Evaluate.
type Result struct {
	RunID       string              `json:"run_id"`
	EvaluatedAt time.Time           `json:"evaluated_at"`
	Anchor1     AnchorResult        `json:"anchor1"`
	Anchor2     AnchorResult        `json:"anchor2"`
	Overlap     []types.LocationKey `json:"overlap"`
	Lens        lens.Region         `json:"lens"`
	Backfilled  int                 `json:"backfilled"`
	Warnings    []Warning           `json:"warnings,omitempty"`
}

// Engine wires the coordinator, cache and geocoder together.
type Engine struct {
	store    Store
	resolver Resolver
	geocoder Geocoder
	parse    cache.ParseFunc
	tracer   trace.Tracer
	now      func() time.Time
}

func New(store Store, resolver Resolver, geocoder Geocoder, parse cache.ParseFunc) (*Engine, error) {
	if store == nil || resolver == nil || geocoder == nil {
		return nil, fmt.Errorf("engine needs a store, a resolver and a geocoder")
	}
	return &Engine{
		store:    store,
		resolver: resolver,
		geocoder: geocoder,
		parse:    parse,
		tracer:   otel.Tracer("engine"),
		now:      time.Now,
	}, nil
}

// Evaluate runs one reachability evaluation. Only a missing anchor coordinate,
// a cache error or cancellation fail the request.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.evaluate",
		trace.WithAttributes(
			attribute.String("anchor1", string(req.Anchor1)),
			attribute.String("anchor2", string(req.Anchor2)),
			attribute.Int("budget1", req.Budget1),
			attribute.Int("budget2", req.Budget2),
			attribute.Int("candidates_count", len(req.Candidates)),
		),
	)
	defer span.End()

	start := time.Now()
	res, err := e.evaluate(ctx, req)
	if err != nil {
		status := "error"
		errType := otelutil.ErrorTypeDatabase
		switch {
		case errors.Is(err, ErrMissingCoordinate):
			status = "missing_coordinate"
			errType = otelutil.ErrorTypeGeocode
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = "canceled"
		}
		otelutil.RecordError(span, err, errType, false)
		metrics.RecordEvaluation(ctx, status, 0, time.Since(start))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("run_id", res.RunID),
		attribute.Int("overlap_count", len(res.Overlap)),
		attribute.String("classification", res.Lens.Classification.String()),
	)
	otelutil.SetSpanOk(span)
	metrics.RecordEvaluation(ctx, "success", len(res.Overlap), time.Since(start))

	slog.Info("Evaluation complete",
		"run_id", res.RunID,
		"anchor1", req.Anchor1,
		"anchor2", req.Anchor2,
		"reachable1", len(res.Anchor1.Reachable),
		"reachable2", len(res.Anchor2.Reachable),
		"overlap", len(res.Overlap),
		"classification", res.Lens.Classification,
		"duration", time.Since(start),
	)
	return res, nil
}

func (e *Engine) evaluate(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	res := &Result{
		RunID:       uuid.NewString(),
		EvaluatedAt: e.now(),
		Anchor1:     AnchorResult{Key: req.Anchor1, BudgetMinutes: req.Budget1},
		Anchor2:     AnchorResult{Key: req.Anchor2, BudgetMinutes: req.Budget2},
	}
	anchors := []*AnchorResult{&res.Anchor1, &res.Anchor2}

	for i, a := range anchors {
		c, ok := e.geocoder.Coordinate(ctx, a.Key)
		if !ok {
			return nil, &MissingCoordinateError{Anchor: a.Key, Index: i + 1}
		}
		a.Coordinate = c
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range anchors {
		a := a
		g.Go(func() error {
			pairs := pairsFor(a.Key, req.Candidates)
			batch, err := e.resolver.ResolveBatch(gctx, pairs, req.DepartureHour)
			if err != nil {
				return fmt.Errorf("resolve batch for %s: %w", a.Key, err)
			}
			a.Batch = BatchStats{
				Pairs:   len(pairs),
				Hits:    batch.Hits,
				Fetched: batch.Fetched,
				Failed:  batch.Failed,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if e.parse != nil {
		n, err := e.store.Backfill(ctx, e.parse)
		if err != nil {
			return nil, fmt.Errorf("backfill durations: %w", err)
		}
		metrics.RecordBackfill(ctx, n)
		res.Backfilled = n
	}

	for _, a := range anchors {
		if err := e.fillCircle(ctx, a, req.DepartureHour, res); err != nil {
			return nil, err
		}
	}

	res.Lens = lens.Intersect(res.Anchor1.Circle, res.Anchor2.Circle)
	res.Overlap = intersectKeys(res.Anchor1.Reachable, res.Anchor2.Reachable)
	return res, nil
}

// fillCircle computes the reachable set, edge and circle of one anchor. Both
// the set and the edge read only the durations stored for the requested
// departure hour, so the edge is always within budget.
func (e *Engine) fillCircle(ctx context.Context, a *AnchorResult, departureHour *int, res *Result) error {
	reachable, err := e.store.ReachableAt(ctx, a.Key, departureHour, a.BudgetMinutes)
	if err != nil {
		return fmt.Errorf("reachable from %s: %w", a.Key, err)
	}
	a.Reachable = reachable

	edge, err := e.store.FarthestAt(ctx, a.Key, departureHour, reachable)
	if err != nil {
		return fmt.Errorf("farthest from %s: %w", a.Key, err)
	}
	a.Edge = edge

	degenerate := func(reason string) {
		a.Circle = lens.BufferCircle(a.Coordinate)
		a.Degenerate = true
		res.Warnings = append(res.Warnings, Warning{
			Kind:    WarningDegenerateRadius,
			Anchor:  a.Key,
			Message: reason,
		})
		slog.Warn("Degenerate radius, using buffer circle", "anchor", a.Key, "edge", edge, "reason", reason)
	}

	if edge == a.Key {
		degenerate("no reachable destination")
		return nil
	}
	edgeCoord, ok := e.geocoder.Coordinate(ctx, edge)
	if !ok {
		degenerate(fmt.Sprintf("no coordinate for edge %s", edge))
		return nil
	}
	circle, err := lens.NewCircle(a.Coordinate, edgeCoord)
	if err != nil {
		degenerate(err.Error())
		return nil
	}
	a.Circle = circle
	return nil
}

// pairsFor builds the anchor's pairs, skipping the anchor itself.
func pairsFor(anchor types.LocationKey, candidates []types.LocationKey) []fetch.Pair {
	pairs := make([]fetch.Pair, 0, len(candidates))
	for _, c := range candidates {
		if c == anchor {
			continue
		}
		pairs = append(pairs, fetch.Pair{Origin: anchor, Destination: c})
	}
	return pairs
}

func intersectKeys(a, b []types.LocationKey) []types.LocationKey {
	in := make(map[types.LocationKey]struct{}, len(a))
	for _, k := range a {
		in[k] = struct{}{}
	}
	out := make([]types.LocationKey, 0)
	seen := make(map[types.LocationKey]struct{})
	for _, k := range b {
		if _, ok := in[k]; !ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
