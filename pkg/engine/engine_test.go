package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"

	"commutecircles/pkg/cache"
	"commutecircles/pkg/fetch"
	"commutecircles/pkg/geo"
	"commutecircles/pkg/lens"
	"commutecircles/pkg/parser"
	"commutecircles/pkg/types"
)

var coords = map[types.LocationKey]geo.Coordinate{
	"Shibuya":   {Lat: 35.6580, Lng: 139.7016},
	"Akihabara": {Lat: 35.6984, Lng: 139.7731},
	"Shinjuku":  {Lat: 35.6896, Lng: 139.7006},
	"Ueno":      {Lat: 35.7138, Lng: 139.7773},
}

var durations = map[[2]types.LocationKey]string{
	{"Shibuya", "Shinjuku"}:   "25 mins",
	{"Shibuya", "Ueno"}:       "20 mins",
	{"Shibuya", "Akihabara"}:  "40 mins",
	{"Akihabara", "Shinjuku"}: "35 mins",
	{"Akihabara", "Ueno"}:     "20 mins",
	{"Akihabara", "Shibuya"}:  "40 mins",
}

type mapGeocoder map[types.LocationKey]geo.Coordinate

func (m mapGeocoder) Coordinate(_ context.Context, key types.LocationKey) (geo.Coordinate, bool) {
	c, ok := m[key]
	return c, ok
}

type neverParser struct{}

func (neverParser) Parse(string) (int, bool) { return 0, false }

func tableSource() fetch.Source {
	return fetch.SourceFunc(func(_ context.Context, q types.TransitQuery) (string, error) {
		text, ok := durations[[2]types.LocationKey{q.Origin, q.Destination}]
		if !ok {
			return "", fmt.Errorf("no route %s", q)
		}
		return text, nil
	})
}

type fixture struct {
	store  *cache.SQLiteStore
	engine *Engine
}

func newFixture(t *testing.T, fetchParser fetch.Parser, geocoder Geocoder) *fixture {
	t.Helper()
	store, err := cache.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	coordinator := fetch.NewCoordinator(store, fetch.NewFetcher(tableSource(), fetchParser), fetch.Config{
		Workers: 2,
		Spacing: -1,
	})
	eng, err := New(store, coordinator, geocoder, parser.NewDefaultDurationParser().Parse)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &fixture{store: store, engine: eng}
}

func shibuyaAkihabara(budget1, budget2 int) Request {
	return Request{
		Anchor1:    "Shibuya",
		Anchor2:    "Akihabara",
		Budget1:    budget1,
		Budget2:    budget2,
		Candidates: []types.LocationKey{"Shibuya", "Akihabara", "Shinjuku", "Ueno"},
	}
}

func TestEvaluate_ShibuyaAkihabara(t *testing.T) {
	f := newFixture(t, parser.NewDefaultDurationParser(), mapGeocoder(coords))

	res, err := f.engine.Evaluate(context.Background(), shibuyaAkihabara(30, 30))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if want := []types.LocationKey{"Shinjuku", "Ueno"}; !reflect.DeepEqual(res.Anchor1.Reachable, want) {
		t.Errorf("Anchor1.Reachable = %v, want %v", res.Anchor1.Reachable, want)
	}
	if want := []types.LocationKey{"Ueno"}; !reflect.DeepEqual(res.Anchor2.Reachable, want) {
		t.Errorf("Anchor2.Reachable = %v, want %v", res.Anchor2.Reachable, want)
	}
	if want := []types.LocationKey{"Ueno"}; !reflect.DeepEqual(res.Overlap, want) {
		t.Errorf("Overlap = %v, want %v", res.Overlap, want)
	}

	if res.Anchor1.Edge != "Shinjuku" {
		t.Errorf("Anchor1.Edge = %q, want %q", res.Anchor1.Edge, "Shinjuku")
	}
	if res.Anchor2.Edge != "Ueno" {
		t.Errorf("Anchor2.Edge = %q, want %q", res.Anchor2.Edge, "Ueno")
	}

	wantRadius := geo.Distance(coords["Shibuya"], coords["Shinjuku"]) + lens.EdgeBufferMeters
	if res.Anchor1.Circle.RadiusMeters != wantRadius {
		t.Errorf("Anchor1 radius = %f, want %f", res.Anchor1.Circle.RadiusMeters, wantRadius)
	}
	if res.Lens.Classification != lens.Disjoint {
		t.Errorf("Lens = %v, want disjoint", res.Lens.Classification)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none", res.Warnings)
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}
	if res.Anchor1.Batch.Pairs != 3 || res.Anchor1.Batch.Fetched != 3 {
		t.Errorf("Anchor1.Batch = %+v, want 3 pairs fetched", res.Anchor1.Batch)
	}
}

func TestEvaluate_SecondRunIsServedFromCache(t *testing.T) {
	f := newFixture(t, parser.NewDefaultDurationParser(), mapGeocoder(coords))
	ctx := context.Background()

	first, err := f.engine.Evaluate(ctx, shibuyaAkihabara(30, 30))
	if err != nil {
		t.Fatalf("first Evaluate() error = %v", err)
	}
	second, err := f.engine.Evaluate(ctx, shibuyaAkihabara(30, 30))
	if err != nil {
		t.Fatalf("second Evaluate() error = %v", err)
	}

	if second.Anchor1.Batch.Fetched != 0 || second.Anchor2.Batch.Fetched != 0 {
		t.Errorf("second run fetched %d and %d, want 0", second.Anchor1.Batch.Fetched, second.Anchor2.Batch.Fetched)
	}
	if !reflect.DeepEqual(first.Overlap, second.Overlap) {
		t.Errorf("Overlap changed: %v then %v", first.Overlap, second.Overlap)
	}
	if first.RunID == second.RunID {
		t.Error("RunID reused across evaluations")
	}
}

func TestEvaluate_LargerBudgetsOverlap(t *testing.T) {
	f := newFixture(t, parser.NewDefaultDurationParser(), mapGeocoder(coords))

	res, err := f.engine.Evaluate(context.Background(), shibuyaAkihabara(45, 45))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.Anchor1.Edge != "Akihabara" || res.Anchor2.Edge != "Shibuya" {
		t.Errorf("edges = %q, %q; want Akihabara, Shibuya", res.Anchor1.Edge, res.Anchor2.Edge)
	}
	if res.Lens.Classification != lens.Intersecting {
		t.Fatalf("Lens = %v, want intersecting", res.Lens.Classification)
	}
	if want := []types.LocationKey{"Shinjuku", "Ueno"}; !reflect.DeepEqual(res.Overlap, want) {
		t.Errorf("Overlap = %v, want %v", res.Overlap, want)
	}
}

func TestEvaluate_EdgeUsesDurationsOfRequestedHour(t *testing.T) {
	stored := []types.TransitRecord{
		{Query: types.NewQuery("Shibuya", "Shinjuku", types.IntPtr(8)), RawDurationText: types.StringPtr("15 mins"), DurationMinutes: types.IntPtr(15)},
		{Query: types.NewQuery("Shibuya", "Shinjuku", nil), RawDurationText: types.StringPtr("35 mins"), DurationMinutes: types.IntPtr(35)},
		{Query: types.NewQuery("Shibuya", "Ueno", nil), RawDurationText: types.StringPtr("20 mins"), DurationMinutes: types.IntPtr(20)},
	}

	tests := []struct {
		name          string
		hour          *int
		wantReachable []types.LocationKey
	}{
		{name: "no hour", hour: nil, wantReachable: []types.LocationKey{"Ueno"}},
		{name: "hour 8", hour: types.IntPtr(8), wantReachable: []types.LocationKey{"Shinjuku", "Ueno"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, parser.NewDefaultDurationParser(), mapGeocoder(coords))
			ctx := context.Background()
			for _, rec := range stored {
				if err := f.store.Put(ctx, rec); err != nil {
					t.Fatalf("Put(%v) error = %v", rec.Query, err)
				}
			}

			req := shibuyaAkihabara(22, 30)
			req.DepartureHour = tt.hour
			res, err := f.engine.Evaluate(ctx, req)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}

			if !reflect.DeepEqual(res.Anchor1.Reachable, tt.wantReachable) {
				t.Errorf("Anchor1.Reachable = %v, want %v", res.Anchor1.Reachable, tt.wantReachable)
			}
			// Ueno (20 min) is the slowest destination within 22 minutes in
			// both cases; Shinjuku's 35 minute record must not pick the edge.
			if res.Anchor1.Edge != "Ueno" {
				t.Errorf("Anchor1.Edge = %q, want Ueno", res.Anchor1.Edge)
			}
			wantRadius := geo.Distance(coords["Shibuya"], coords["Ueno"]) + lens.EdgeBufferMeters
			if res.Anchor1.Circle.RadiusMeters != wantRadius {
				t.Errorf("Anchor1 radius = %f, want %f", res.Anchor1.Circle.RadiusMeters, wantRadius)
			}
			if want := []types.LocationKey{"Ueno"}; !reflect.DeepEqual(res.Overlap, want) {
				t.Errorf("Overlap = %v, want %v", res.Overlap, want)
			}
			if res.Lens.Classification != lens.Intersecting {
				t.Errorf("Lens = %v, want intersecting", res.Lens.Classification)
			}
			for _, c := range []lens.Circle{res.Anchor1.Circle, res.Anchor2.Circle} {
				if !c.Contains(coords["Ueno"]) {
					t.Errorf("circle around %v does not contain overlap station Ueno", c.Center)
				}
			}
		})
	}
}

func TestEvaluate_BackfillsUnparsedDurations(t *testing.T) {
	f := newFixture(t, neverParser{}, mapGeocoder(coords))

	res, err := f.engine.Evaluate(context.Background(), shibuyaAkihabara(30, 30))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if res.Backfilled != len(durations) {
		t.Errorf("Backfilled = %d, want %d", res.Backfilled, len(durations))
	}
	if want := []types.LocationKey{"Ueno"}; !reflect.DeepEqual(res.Overlap, want) {
		t.Errorf("Overlap = %v, want %v", res.Overlap, want)
	}
}

func TestEvaluate_MissingAnchorCoordinate(t *testing.T) {
	geocoder := mapGeocoder{
		"Shibuya":  coords["Shibuya"],
		"Shinjuku": coords["Shinjuku"],
		"Ueno":     coords["Ueno"],
	}
	f := newFixture(t, parser.NewDefaultDurationParser(), geocoder)

	_, err := f.engine.Evaluate(context.Background(), shibuyaAkihabara(30, 30))
	if !errors.Is(err, ErrMissingCoordinate) {
		t.Fatalf("error = %v, want ErrMissingCoordinate", err)
	}
	var mce *MissingCoordinateError
	if !errors.As(err, &mce) {
		t.Fatalf("error %T is not a *MissingCoordinateError", err)
	}
	if mce.Index != 2 || mce.Anchor != "Akihabara" {
		t.Errorf("MissingCoordinateError = %+v, want anchor 2 Akihabara", mce)
	}
}

func TestEvaluate_DegenerateRadius(t *testing.T) {
	tests := []struct {
		name     string
		geocoder mapGeocoder
		budget   int
	}{
		{
			name:     "nothing reachable",
			geocoder: mapGeocoder(coords),
			budget:   10,
		},
		{
			name: "edge without coordinate",
			geocoder: mapGeocoder{
				"Shibuya":   coords["Shibuya"],
				"Akihabara": coords["Akihabara"],
				"Ueno":      coords["Ueno"],
			},
			budget: 30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, parser.NewDefaultDurationParser(), tt.geocoder)

			res, err := f.engine.Evaluate(context.Background(), shibuyaAkihabara(tt.budget, 30))
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if !res.Anchor1.Degenerate {
				t.Error("Anchor1.Degenerate = false, want true")
			}
			if res.Anchor1.Circle.RadiusMeters != lens.EdgeBufferMeters {
				t.Errorf("Anchor1 radius = %f, want %f", res.Anchor1.Circle.RadiusMeters, lens.EdgeBufferMeters)
			}
			if len(res.Warnings) != 1 || res.Warnings[0].Kind != WarningDegenerateRadius {
				t.Errorf("Warnings = %v, want one %s", res.Warnings, WarningDegenerateRadius)
			}
			if res.Anchor2.Degenerate {
				t.Error("Anchor2.Degenerate = true, want false")
			}
		})
	}
}

func TestEvaluate_InvalidRequest(t *testing.T) {
	f := newFixture(t, parser.NewDefaultDurationParser(), mapGeocoder(coords))

	tests := []struct {
		name string
		req  Request
	}{
		{name: "missing anchor", req: Request{Anchor1: "Shibuya", Budget1: 30, Budget2: 30}},
		{name: "zero budget", req: shibuyaAkihabara(0, 30)},
		{name: "negative budget", req: shibuyaAkihabara(30, -5)},
		{name: "bad hour", req: func() Request {
			r := shibuyaAkihabara(30, 30)
			r.DepartureHour = types.IntPtr(25)
			return r
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.Evaluate(context.Background(), tt.req); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestEvaluate_Cancelled(t *testing.T) {
	f := newFixture(t, parser.NewDefaultDurationParser(), mapGeocoder(coords))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Evaluate(ctx, shibuyaAkihabara(30, 30))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(nil, nil, nil, nil); err == nil {
		t.Error("expected error for missing collaborators")
	}
}

func TestIntersectKeys(t *testing.T) {
	got := intersectKeys(
		[]types.LocationKey{"Ueno", "Shinjuku", "Tokyo"},
		[]types.LocationKey{"Tokyo", "Ueno", "Ueno", "Ikebukuro"},
	)
	want := []types.LocationKey{"Tokyo", "Ueno"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("intersectKeys() = %v, want %v", got, want)
	}
}
