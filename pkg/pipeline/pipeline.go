// Package pipeline runs evaluations end to end: station resolution, the
// reachability engine, rent annotation, GeoJSON rendering and delivery to
// the configured sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"commutecircles/pkg/engine"
	"commutecircles/pkg/geo"
	"commutecircles/pkg/geojson"
	"commutecircles/pkg/loki"
	otelutil "commutecircles/pkg/otel"
	"commutecircles/pkg/parser"
	"commutecircles/pkg/publish"
	"commutecircles/pkg/rent"
	"commutecircles/pkg/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrInvalidQuery is wrapped by every Query validation failure.
var ErrInvalidQuery = errors.New("invalid query")

// Evaluator runs the reachability engine.
type Evaluator interface {
	Evaluate(ctx context.Context, req engine.Request) (*engine.Result, error)
}

// RentSource resolves station names and annotates stations with rent data.
type RentSource interface {
	FormatStationName(ctx context.Context, base string) (types.LocationKey, error)
	Stations(ctx context.Context, prefectures []string) ([]types.LocationKey, error)
	Annotate(ctx context.Context, keys []types.LocationKey) ([]rent.StationRent, error)
}

// Query is an evaluation as a user states it. Anchors may be bare station
// names ("Shibuya") or full location keys ("Shibuya Station, Tokyo").
type Query struct {
	Anchor1       string   `json:"anchor1"`
	Anchor2       string   `json:"anchor2"`
	Budget1       int      `json:"budget1_minutes"`
	Budget2       int      `json:"budget2_minutes"`
	DepartureHour *int     `json:"departure_hour,omitempty"`
	Prefectures   []string `json:"prefectures,omitempty"`
}

func (q Query) Validate() error {
	if strings.TrimSpace(q.Anchor1) == "" || strings.TrimSpace(q.Anchor2) == "" {
		return fmt.Errorf("%w: both anchors are required", ErrInvalidQuery)
	}
	if q.Budget1 <= 0 || q.Budget2 <= 0 {
		return fmt.Errorf("%w: budgets must be positive", ErrInvalidQuery)
	}
	if q.DepartureHour != nil && (*q.DepartureHour < 0 || *q.DepartureHour > 23) {
		return fmt.Errorf("%w: departure hour must be between 0 and 23", ErrInvalidQuery)
	}
	return nil
}

// Outcome is everything one evaluation produces.
type Outcome struct {
	Result   *engine.Result             `json:"result"`
	Stations []rent.StationRent         `json:"stations"`
	Report   *types.EvaluationReport    `json:"report"`
	GeoJSON  *geojson.FeatureCollection `json:"geojson"`
}

type Pipeline struct {
	config     Config
	evaluator  Evaluator
	rent       RentSource
	geocoder   engine.Geocoder
	publishers []publish.Publisher
	lokiClient *loki.Client
	tracer     trace.Tracer
}

type Config struct {
	DryRun       bool
	Query        Query
	LokiURL      string
	LokiUser     string
	LokiPassword string
	Interval     time.Duration
}

// Deps are the collaborators a pipeline needs. Publishers are optional.
type Deps struct {
	Evaluator  Evaluator
	Rent       RentSource
	Geocoder   engine.Geocoder
	Publishers []publish.Publisher
}

func New(config Config, deps Deps) (*Pipeline, error) {
	if deps.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if deps.Rent == nil {
		return nil, fmt.Errorf("rent source is required")
	}
	if deps.Geocoder == nil {
		return nil, fmt.Errorf("geocoder is required")
	}

	pipeline := &Pipeline{
		config:     config,
		evaluator:  deps.Evaluator,
		rent:       deps.Rent,
		geocoder:   deps.Geocoder,
		publishers: deps.Publishers,
		tracer:     otel.Tracer("pipeline"),
	}

	// Only create Loki client if not in dry run mode
	if !config.DryRun && config.LokiURL != "" {
		pipeline.lokiClient = loki.NewClient(config.LokiURL, config.LokiUser, config.LokiPassword)
	}

	return pipeline, nil
}

// Evaluate resolves q against the rent dataset, runs the engine and renders
// the result.
func (p *Pipeline) Evaluate(ctx context.Context, q Query) (*Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.evaluate",
		trace.WithAttributes(
			attribute.String("anchor1", q.Anchor1),
			attribute.String("anchor2", q.Anchor2),
			attribute.Int("budget1_minutes", q.Budget1),
			attribute.Int("budget2_minutes", q.Budget2),
			attribute.StringSlice("prefectures", q.Prefectures),
		),
	)
	defer span.End()

	if err := q.Validate(); err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeValidation, false)
		return nil, err
	}

	anchor1, err := p.resolveAnchor(ctx, q.Anchor1)
	if err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeValidation, false)
		return nil, err
	}
	anchor2, err := p.resolveAnchor(ctx, q.Anchor2)
	if err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeValidation, false)
		return nil, err
	}

	candidates, err := p.rent.Stations(ctx, q.Prefectures)
	if err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeDatabase, false)
		return nil, fmt.Errorf("failed to list stations: %w", err)
	}
	span.SetAttributes(attribute.Int("candidates_count", len(candidates)))

	res, err := p.evaluator.Evaluate(ctx, engine.Request{
		Anchor1:       anchor1,
		Anchor2:       anchor2,
		Budget1:       q.Budget1,
		Budget2:       q.Budget2,
		Candidates:    candidates,
		DepartureHour: q.DepartureHour,
	})
	if err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeUpstream, false)
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}

	ranked, err := p.rent.Annotate(ctx, res.Overlap)
	if err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeDatabase, false)
		return nil, fmt.Errorf("failed to annotate overlap: %w", err)
	}

	locator := p.locator(ctx)
	outcome := &Outcome{
		Result:   res,
		Stations: ranked,
		Report:   BuildReport(res, ranked, locator),
		GeoJSON:  geojson.Render(res, ranked, locator),
	}

	span.SetAttributes(
		attribute.String("run_id", res.RunID),
		attribute.Int("overlap_count", len(res.Overlap)),
		attribute.String("classification", res.Lens.Classification.String()),
	)
	otelutil.SetSpanOk(span)
	return outcome, nil
}

func (p *Pipeline) resolveAnchor(ctx context.Context, name string) (types.LocationKey, error) {
	name = strings.TrimSpace(name)
	if strings.Contains(name, " Station, ") {
		return types.LocationKey(name), nil
	}
	key, err := p.rent.FormatStationName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to resolve anchor %q: %w", name, err)
	}
	return key, nil
}

// locator places stations through the geocoder, asking at most once per key.
func (p *Pipeline) locator(ctx context.Context) geojson.Locator {
	type entry struct {
		c  geo.Coordinate
		ok bool
	}
	var mu sync.Mutex
	seen := make(map[types.LocationKey]entry)

	return geojson.LocatorFunc(func(key types.LocationKey) (geo.Coordinate, bool) {
		mu.Lock()
		defer mu.Unlock()
		if e, ok := seen[key]; ok {
			return e.c, e.ok
		}
		c, ok := p.geocoder.Coordinate(ctx, key)
		seen[key] = entry{c, ok}
		return c, ok
	})
}

// BuildReport flattens an evaluation for log sinks.
func BuildReport(res *engine.Result, ranked []rent.StationRent, locator geojson.Locator) *types.EvaluationReport {
	markers := parser.NewMarkerGenerator()

	report := &types.EvaluationReport{
		RunID:          res.RunID,
		Timestamp:      res.EvaluatedAt.UTC().Format(time.RFC3339),
		Classification: res.Lens.Classification.String(),
		Overlap:        make([]types.StationSummary, 0, len(ranked)),
	}

	for i, a := range []engine.AnchorResult{res.Anchor1, res.Anchor2} {
		report.Anchors = append(report.Anchors, types.AnchorSummary{
			Key:           a.Key,
			Index:         i + 1,
			BudgetMinutes: a.BudgetMinutes,
			Edge:          a.Edge,
			RadiusMeters:  a.Circle.RadiusMeters,
			Reachable:     len(a.Reachable),
			Latitude:      a.Coordinate.Lat,
			Longitude:     a.Coordinate.Lng,
			Degenerate:    a.Degenerate,
			BadgeImage:    markers.GenerateAnchorBadge(string(a.Key), i+1, a.BudgetMinutes),
		})
	}

	withData := geojson.CountWithData(ranked)
	for i, r := range ranked {
		s := types.StationSummary{
			Station:     r.Station,
			MarkerImage: geojson.StationMarker(markers, r, i, withData),
		}
		if r.Stats != nil {
			s.Rank = i + 1
			s.MedianRent = types.Float64Ptr(r.Stats.Median)
			s.IQR = types.Float64Ptr(r.Stats.IQR)
			s.Observations = r.Stats.Count
		}
		if c, ok := locator.Coordinate(r.Station); ok {
			s.Latitude = types.Float64Ptr(c.Lat)
			s.Longitude = types.Float64Ptr(c.Lng)
		}
		report.Overlap = append(report.Overlap, s)
	}

	for _, w := range res.Warnings {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %s", w.Kind, w.Message))
	}

	return report
}

// Run evaluates the configured query every Interval until ctx is done. With
// a non-positive Interval it evaluates once and returns.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.config.Query.Validate(); err != nil {
		return err
	}

	if p.config.Interval <= 0 {
		return p.processOnce(ctx)
	}

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	slog.Info("Pipeline started", "interval", p.config.Interval)

	// Process immediately on start
	if err := p.processOnce(ctx); err != nil {
		slog.Error("Error in initial processing", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("Pipeline stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := p.processOnce(ctx); err != nil {
				slog.Error("Error processing", "error", err)
			}
		}
	}
}

func (p *Pipeline) processOnce(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.process_once",
		trace.WithAttributes(
			attribute.Bool("dry_run", p.config.DryRun),
			attribute.Int("publishers_count", len(p.publishers)),
		),
	)
	defer span.End()

	start := time.Now()

	outcome, err := p.Evaluate(ctx, p.config.Query)
	if err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeUpstream, false)
		return err
	}

	if p.config.DryRun {
		if err := p.handleDryRun(ctx, outcome); err != nil {
			otelutil.RecordError(span, err, otelutil.ErrorTypeParse, false)
			return err
		}
		otelutil.SetSpanOk(span)
		return nil
	}

	delivered, errs := p.deliver(ctx, outcome)

	span.SetAttributes(
		attribute.String("run_id", outcome.Result.RunID),
		attribute.Int("successful_sinks", delivered),
		attribute.Int("failed_sinks", len(errs)),
		attribute.String("processing_duration", time.Since(start).String()),
	)

	// Return error only if every sink failed
	if len(errs) > 0 && delivered == 0 {
		err := fmt.Errorf("all sinks failed: %w", errors.Join(errs...))
		otelutil.RecordError(span, err, otelutil.ErrorTypeUpstream, true)
		return err
	}

	otelutil.SetSpanOk(span)
	return nil
}

// deliver sends the outcome to Loki and every publisher concurrently and
// returns how many succeeded along with the failures.
func (p *Pipeline) deliver(ctx context.Context, outcome *Outcome) (int, []error) {
	type sinkResult struct {
		sink string
		err  error
	}

	var sends []func() sinkResult

	if p.lokiClient != nil {
		sends = append(sends, func() sinkResult {
			return sinkResult{loki.SinkName, p.sendToLoki(ctx, outcome.Report)}
		})
	}

	if len(p.publishers) > 0 {
		data, err := outcome.GeoJSON.Marshal()
		if err != nil {
			return 0, []error{fmt.Errorf("failed to marshal GeoJSON: %w", err)}
		}
		for _, pub := range p.publishers {
			sends = append(sends, func() sinkResult {
				if err := pub.Publish(ctx, outcome.Result.RunID, data); err != nil {
					return sinkResult{pub.Name(), fmt.Errorf("failed to publish to %s: %w", pub.Name(), err)}
				}
				slog.Info("Published GeoJSON", "sink", pub.Name(), "run_id", outcome.Result.RunID, "size_bytes", len(data))
				return sinkResult{pub.Name(), nil}
			})
		}
	}

	if len(sends) == 0 {
		slog.Warn("No sinks configured, evaluation result discarded", "run_id", outcome.Result.RunID)
		return 0, nil
	}

	results := make(chan sinkResult, len(sends))
	for _, send := range sends {
		go func(send func() sinkResult) {
			results <- send()
		}(send)
	}

	delivered := 0
	var errs []error
	for i := 0; i < len(sends); i++ {
		r := <-results
		if r.err != nil {
			errs = append(errs, r.err)
			slog.Error("Error delivering evaluation", "sink", r.sink, "error", r.err)
			continue
		}
		delivered++
	}
	return delivered, errs
}

func (p *Pipeline) handleDryRun(ctx context.Context, outcome *Outcome) error {
	_, span := p.tracer.Start(ctx, "pipeline.dry_run")
	defer span.End()

	report := outcome.Report

	fmt.Printf("\n=== DRY RUN - Evaluation %s ===\n", report.RunID)
	fmt.Printf("Timestamp: %s\n", report.Timestamp)
	for _, a := range report.Anchors {
		fmt.Printf("Anchor %d: %s (%d min) reaches %d stations, edge %s, radius %.0f m\n",
			a.Index, a.Key, a.BudgetMinutes, a.Reachable, a.Edge, a.RadiusMeters)
	}
	fmt.Printf("Circles: %s\n", report.Classification)
	fmt.Printf("Stations reachable from both: %d\n", len(report.Overlap))

	if len(report.Overlap) > 0 {
		fmt.Println("\nStation Summary:")
		for i, s := range report.Overlap {
			rentInfo := "no rent data"
			if s.MedianRent != nil {
				rentInfo = fmt.Sprintf("median ¥%.2f/m², IQR %.2f, %d listings", *s.MedianRent, *s.IQR, s.Observations)
			}
			fmt.Printf("  %d. %s (%s)\n", i+1, s.Station, rentInfo)
		}
	}
	for _, w := range report.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}

	lines, err := loki.LogLines(report)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to format log lines for dry run: %w", err)
	}

	fmt.Println("\nIndividual Log Lines (as sent to Loki):")
	fmt.Println("----------------------------------------")
	for i, line := range lines {
		fmt.Printf("Log Line %d: %s\n", i+1, line)
	}
	fmt.Print("=== END DRY RUN ===\n\n")

	span.SetAttributes(attribute.Int("lines_printed", len(lines)))
	return nil
}

func (p *Pipeline) sendToLoki(ctx context.Context, report *types.EvaluationReport) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.send_to_loki")
	defer span.End()

	if err := p.lokiClient.SendEvaluation(ctx, report); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to send data to Loki: %w", err)
	}

	slog.Info("Sent evaluation to Loki", "run_id", report.RunID, "stations", len(report.Overlap))
	span.SetAttributes(attribute.Int("stations_sent", len(report.Overlap)))
	return nil
}
