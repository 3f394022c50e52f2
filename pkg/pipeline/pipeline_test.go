package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"commutecircles/pkg/engine"
	"commutecircles/pkg/geo"
	"commutecircles/pkg/lens"
	"commutecircles/pkg/publish"
	"commutecircles/pkg/rent"
	"commutecircles/pkg/types"
)

var coords = map[types.LocationKey]geo.Coordinate{
	"Shibuya Station, Tokyo":   {Lat: 35.6580, Lng: 139.7016},
	"Akihabara Station, Tokyo": {Lat: 35.6984, Lng: 139.7731},
	"Shinjuku Station, Tokyo":  {Lat: 35.6896, Lng: 139.7006},
	"Ueno Station, Tokyo":      {Lat: 35.7138, Lng: 139.7773},
}

type fakeEvaluator struct {
	mu   sync.Mutex
	reqs []engine.Request
	err  error
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, req engine.Request) (*engine.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	anchor := func(key, edge types.LocationKey, budget int) engine.AnchorResult {
		c, err := lens.NewCircle(coords[key], coords[edge])
		if err != nil {
			panic(err)
		}
		return engine.AnchorResult{
			Key: key, Coordinate: coords[key], BudgetMinutes: budget,
			Reachable: []types.LocationKey{"Shinjuku Station, Tokyo", "Ueno Station, Tokyo"},
			Edge:      edge, Circle: c,
		}
	}
	a1 := anchor(req.Anchor1, "Ueno Station, Tokyo", req.Budget1)
	a2 := anchor(req.Anchor2, "Shinjuku Station, Tokyo", req.Budget2)
	return &engine.Result{
		RunID:       "run-1",
		EvaluatedAt: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Anchor1:     a1,
		Anchor2:     a2,
		Overlap:     []types.LocationKey{"Shinjuku Station, Tokyo", "Ueno Station, Tokyo"},
		Lens:        lens.Intersect(a1.Circle, a2.Circle),
	}, nil
}

type fakeRent struct{}

func (fakeRent) FormatStationName(ctx context.Context, base string) (types.LocationKey, error) {
	switch base {
	case "Shibuya", "Akihabara":
		return rent.StationKey(base, "Tokyo"), nil
	}
	return "", fmt.Errorf("%w: %s", rent.ErrStationNotFound, base)
}

func (fakeRent) Stations(ctx context.Context, prefectures []string) ([]types.LocationKey, error) {
	return []types.LocationKey{
		"Akihabara Station, Tokyo", "Shibuya Station, Tokyo",
		"Shinjuku Station, Tokyo", "Ueno Station, Tokyo",
	}, nil
}

func (fakeRent) Annotate(ctx context.Context, keys []types.LocationKey) ([]rent.StationRent, error) {
	out := make([]rent.StationRent, 0, len(keys))
	for _, k := range keys {
		entry := rent.StationRent{Station: k}
		if k == "Ueno Station, Tokyo" {
			entry.Stats = &rent.Stats{Count: 2, Median: 3200, Q1: 3000, Q3: 3400, IQR: 400}
		}
		out = append(out, entry)
	}
	rent.Rank(out)
	return out, nil
}

type countingGeocoder struct {
	calls atomic.Int32
}

func (g *countingGeocoder) Coordinate(ctx context.Context, key types.LocationKey) (geo.Coordinate, bool) {
	g.calls.Add(1)
	c, ok := coords[key]
	return c, ok
}

type failingPublisher struct{}

func (failingPublisher) Name() string { return "broken" }

func (failingPublisher) Publish(ctx context.Context, runID string, data []byte) error {
	return errors.New("disk full")
}

func testDeps() Deps {
	return Deps{Evaluator: &fakeEvaluator{}, Rent: fakeRent{}, Geocoder: &countingGeocoder{}}
}

func testQuery() Query {
	return Query{Anchor1: "Shibuya", Anchor2: "Akihabara Station, Tokyo", Budget1: 45, Budget2: 40}
}

func TestNewPipeline_Validation(t *testing.T) {
	tests := []struct {
		name      string
		deps      Deps
		expectErr bool
		errMsg    string
	}{
		{name: "valid deps", deps: testDeps()},
		{
			name:      "missing evaluator",
			deps:      Deps{Rent: fakeRent{}, Geocoder: &countingGeocoder{}},
			expectErr: true,
			errMsg:    "evaluator is required",
		},
		{
			name:      "missing rent source",
			deps:      Deps{Evaluator: &fakeEvaluator{}, Geocoder: &countingGeocoder{}},
			expectErr: true,
			errMsg:    "rent source is required",
		},
		{
			name:      "missing geocoder",
			deps:      Deps{Evaluator: &fakeEvaluator{}, Rent: fakeRent{}},
			expectErr: true,
			errMsg:    "geocoder is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pipeline, err := New(Config{Query: testQuery()}, tt.deps)

			if tt.expectErr {
				if err == nil {
					t.Errorf("Expected error containing %q, got nil", tt.errMsg)
				} else if err.Error() != tt.errMsg {
					t.Errorf("Expected error %q, got %q", tt.errMsg, err.Error())
				}
				if pipeline != nil {
					t.Error("Expected nil pipeline on error")
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if pipeline == nil {
				t.Error("Expected non-nil pipeline")
			}
		})
	}
}

func TestNewPipeline_LokiClient(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   bool
	}{
		{"dry run", Config{DryRun: true, LokiURL: "http://localhost:3100"}, false},
		{"production", Config{LokiURL: "http://localhost:3100"}, true},
		{"no loki url", Config{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pipeline, err := New(tt.config, testDeps())
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got := pipeline.lokiClient != nil; got != tt.want {
				t.Errorf("lokiClient set = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuery_Validate(t *testing.T) {
	hour := func(h int) *int { return &h }
	tests := []struct {
		name    string
		query   Query
		wantErr bool
	}{
		{"valid", testQuery(), false},
		{"valid with hour", Query{Anchor1: "a", Anchor2: "b", Budget1: 1, Budget2: 1, DepartureHour: hour(23)}, false},
		{"blank anchor", Query{Anchor1: " ", Anchor2: "b", Budget1: 1, Budget2: 1}, true},
		{"zero budget", Query{Anchor1: "a", Anchor2: "b", Budget1: 0, Budget2: 1}, true},
		{"negative budget", Query{Anchor1: "a", Anchor2: "b", Budget1: 10, Budget2: -5}, true},
		{"hour out of range", Query{Anchor1: "a", Anchor2: "b", Budget1: 1, Budget2: 1, DepartureHour: hour(24)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidQuery) {
				t.Errorf("Validate() error = %v, want ErrInvalidQuery", err)
			}
		})
	}
}

func TestPipeline_Evaluate(t *testing.T) {
	evaluator := &fakeEvaluator{}
	geocoder := &countingGeocoder{}
	p, err := New(Config{}, Deps{Evaluator: evaluator, Rent: fakeRent{}, Geocoder: geocoder})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	outcome, err := p.Evaluate(context.Background(), testQuery())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	req := evaluator.reqs[0]
	if req.Anchor1 != "Shibuya Station, Tokyo" {
		t.Errorf("Anchor1 = %q, want bare name formatted as key", req.Anchor1)
	}
	if req.Anchor2 != "Akihabara Station, Tokyo" {
		t.Errorf("Anchor2 = %q, want key passed through", req.Anchor2)
	}
	if len(req.Candidates) != 4 {
		t.Errorf("len(Candidates) = %d, want 4", len(req.Candidates))
	}

	report := outcome.Report
	if report.RunID != "run-1" || report.Timestamp != "2024-01-15T10:30:00Z" {
		t.Errorf("report header = %q %q", report.RunID, report.Timestamp)
	}
	if len(report.Anchors) != 2 || report.Anchors[0].Index != 1 || report.Anchors[1].BudgetMinutes != 40 {
		t.Errorf("report.Anchors = %+v", report.Anchors)
	}
	if len(report.Overlap) != 2 {
		t.Fatalf("len(report.Overlap) = %d, want 2", len(report.Overlap))
	}
	first := report.Overlap[0]
	if first.Station != "Ueno Station, Tokyo" || first.Rank != 1 || *first.MedianRent != 3200 {
		t.Errorf("first station = %+v, want Ueno ranked 1", first)
	}
	if first.Latitude == nil || *first.Latitude != coords["Ueno Station, Tokyo"].Lat {
		t.Errorf("first station latitude = %v", first.Latitude)
	}
	if report.Overlap[1].Rank != 0 || report.Overlap[1].MedianRent != nil {
		t.Errorf("station without data = %+v", report.Overlap[1])
	}

	if outcome.GeoJSON == nil || len(outcome.GeoJSON.Features) == 0 {
		t.Fatal("GeoJSON not rendered")
	}
	// Rendering and the report share one lookup per overlap station.
	if got := geocoder.calls.Load(); got != 2 {
		t.Errorf("geocoder calls = %d, want 2", got)
	}
}

func TestPipeline_EvaluateErrors(t *testing.T) {
	tests := []struct {
		name   string
		query  Query
		evErr  error
		target error
	}{
		{"invalid query", Query{Anchor1: "Shibuya"}, nil, ErrInvalidQuery},
		{"unknown station", Query{Anchor1: "Atlantis", Anchor2: "Shibuya", Budget1: 10, Budget2: 10}, nil, rent.ErrStationNotFound},
		{
			name:   "missing coordinate",
			query:  testQuery(),
			evErr:  &engine.MissingCoordinateError{Anchor: "Shibuya Station, Tokyo", Index: 1},
			target: engine.ErrMissingCoordinate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := testDeps()
			deps.Evaluator = &fakeEvaluator{err: tt.evErr}
			p, err := New(Config{}, deps)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if _, err := p.Evaluate(context.Background(), tt.query); !errors.Is(err, tt.target) {
				t.Errorf("Evaluate() error = %v, want %v", err, tt.target)
			}
		})
	}
}

func TestPipeline_RunOnceDeliversToAllSinks(t *testing.T) {
	var lokiPushes atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lokiPushes.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	dir := t.TempDir()
	files, err := publish.NewFilePublisher(dir)
	if err != nil {
		t.Fatalf("NewFilePublisher() error = %v", err)
	}

	deps := testDeps()
	deps.Publishers = []publish.Publisher{files}
	p, err := New(Config{Query: testQuery(), LokiURL: server.URL}, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := lokiPushes.Load(); got != 1 {
		t.Errorf("loki pushes = %d, want 1", got)
	}
	for _, name := range []string{"run-1.geojson", publish.LatestName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not published: %v", name, err)
		}
	}
}

func TestPipeline_RunFailsWhenEverySinkFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	deps := testDeps()
	deps.Publishers = []publish.Publisher{failingPublisher{}}
	p, err := New(Config{Query: testQuery(), LokiURL: server.URL}, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := p.Run(context.Background()); err == nil {
		t.Error("expected error when every sink fails")
	}
}

func TestPipeline_RunSucceedsWhenOneSinkFails(t *testing.T) {
	deps := testDeps()
	files, err := publish.NewFilePublisher(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilePublisher() error = %v", err)
	}
	deps.Publishers = []publish.Publisher{failingPublisher{}, files}
	p, err := New(Config{Query: testQuery()}, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := p.Run(context.Background()); err != nil {
		t.Errorf("Run() error = %v, want nil with one working sink", err)
	}
}

func TestPipeline_RunRejectsInvalidQuery(t *testing.T) {
	p, err := New(Config{Query: Query{Anchor1: "Shibuya"}, Interval: time.Minute}, testDeps())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.Run(context.Background()); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("Run() error = %v, want ErrInvalidQuery", err)
	}
}

func TestPipeline_RunStopsOnCancel(t *testing.T) {
	p, err := New(Config{Query: testQuery(), DryRun: true, Interval: time.Hour}, testDeps())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
