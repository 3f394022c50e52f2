package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTP Client Metrics (OTEL Semantic Conventions)
var (
	// HTTPClientRequestDuration measures the duration of HTTP client requests
	HTTPClientRequestDuration metric.Float64Histogram

	// HTTPClientResponseBodySize measures the size of HTTP response bodies
	HTTPClientResponseBodySize metric.Int64Histogram
)

// Cache Metrics
var (
	// CacheLookupsTotal counts cache lookups by result (hit, miss, retry)
	CacheLookupsTotal metric.Int64Counter

	// CacheBackfilledTotal counts rows whose duration was filled from raw text
	CacheBackfilledTotal metric.Int64Counter
)

// Fetch Metrics
var (
	// FetchRequestsTotal counts upstream duration fetches by status
	FetchRequestsTotal metric.Int64Counter

	// FetchDuration measures a single upstream fetch including parsing
	FetchDuration metric.Float64Histogram

	// FetchesInFlight tracks fetches currently running across all workers
	FetchesInFlight metric.Int64UpDownCounter

	// BatchDuration measures a whole ResolveBatch call
	BatchDuration metric.Float64Histogram

	// BatchPairsTotal counts pairs submitted to the coordinator
	BatchPairsTotal metric.Int64Counter
)

// Engine Metrics
var (
	// EvaluationsTotal counts reachability evaluations by status
	EvaluationsTotal metric.Int64Counter

	// EvaluationDuration measures a full evaluation
	EvaluationDuration metric.Float64Histogram

	// OverlapStations measures how many stations both anchors reach
	OverlapStations metric.Int64Histogram
)

// Geocoder Metrics
var (
	// GeocodeRequestsTotal counts coordinate lookups by source (memory, store, remote, miss)
	GeocodeRequestsTotal metric.Int64Counter
)

// Sink Metrics
var (
	// SinkSendTotal counts result deliveries by sink and status
	SinkSendTotal metric.Int64Counter

	// SinkSendDuration measures result deliveries
	SinkSendDuration metric.Float64Histogram
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1.0, 2.5, 5.0, 7.5, 10.0, 30.0, 60.0}

// initializeInstruments creates all metric instruments
func initializeInstruments() error {
	var err error

	HTTPClientRequestDuration, err = Meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("Duration of HTTP client requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return err
	}

	HTTPClientResponseBodySize, err = Meter.Int64Histogram(
		"http.client.response.body.size",
		metric.WithDescription("Size of HTTP response bodies"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 10240, 102400, 1048576, 10485760), // 1KB to 10MB
	)
	if err != nil {
		return err
	}

	CacheLookupsTotal, err = Meter.Int64Counter(
		"commute.cache.lookups",
		metric.WithDescription("Transit cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	CacheBackfilledTotal, err = Meter.Int64Counter(
		"commute.cache.backfilled",
		metric.WithDescription("Cached rows whose duration was parsed after the fact"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return err
	}

	FetchRequestsTotal, err = Meter.Int64Counter(
		"commute.fetch.requests",
		metric.WithDescription("Upstream duration fetches by status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	FetchDuration, err = Meter.Float64Histogram(
		"commute.fetch.duration",
		metric.WithDescription("Duration of a single upstream fetch"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return err
	}

	FetchesInFlight, err = Meter.Int64UpDownCounter(
		"commute.fetch.in_flight",
		metric.WithDescription("Upstream fetches currently running"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	BatchDuration, err = Meter.Float64Histogram(
		"commute.batch.duration",
		metric.WithDescription("Duration of a coordinator batch"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return err
	}

	BatchPairsTotal, err = Meter.Int64Counter(
		"commute.batch.pairs",
		metric.WithDescription("Origin/destination pairs submitted to the coordinator"),
		metric.WithUnit("{pair}"),
	)
	if err != nil {
		return err
	}

	EvaluationsTotal, err = Meter.Int64Counter(
		"commute.evaluations",
		metric.WithDescription("Reachability evaluations by status"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		return err
	}

	EvaluationDuration, err = Meter.Float64Histogram(
		"commute.evaluation.duration",
		metric.WithDescription("Duration of a reachability evaluation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return err
	}

	OverlapStations, err = Meter.Int64Histogram(
		"commute.evaluation.overlap",
		metric.WithDescription("Stations reachable from both anchors"),
		metric.WithUnit("{station}"),
		metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 25, 50, 100, 250),
	)
	if err != nil {
		return err
	}

	GeocodeRequestsTotal, err = Meter.Int64Counter(
		"commute.geocode.requests",
		metric.WithDescription("Coordinate lookups by source"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	SinkSendTotal, err = Meter.Int64Counter(
		"commute.sink.sends",
		metric.WithDescription("Result deliveries by sink and status"),
		metric.WithUnit("{send}"),
	)
	if err != nil {
		return err
	}

	SinkSendDuration, err = Meter.Float64Histogram(
		"commute.sink.duration",
		metric.WithDescription("Duration of result deliveries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return err
	}

	return nil
}

// The helpers below are no-ops until InitMetrics has created the instruments.

func RecordHTTPRequest(ctx context.Context, host, method string, status int, elapsed time.Duration, bodySize int64) {
	attrs := metric.WithAttributes(
		attribute.String("server.address", host),
		attribute.String("http.request.method", method),
		attribute.Int("http.response.status_code", status),
	)
	if HTTPClientRequestDuration != nil {
		HTTPClientRequestDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if HTTPClientResponseBodySize != nil && bodySize >= 0 {
		HTTPClientResponseBodySize.Record(ctx, bodySize, attrs)
	}
}

func RecordCacheLookup(ctx context.Context, result string) {
	if CacheLookupsTotal == nil {
		return
	}
	CacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func RecordBackfill(ctx context.Context, rows int) {
	if CacheBackfilledTotal == nil || rows <= 0 {
		return
	}
	CacheBackfilledTotal.Add(ctx, int64(rows))
}

func RecordFetch(ctx context.Context, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	if FetchRequestsTotal != nil {
		FetchRequestsTotal.Add(ctx, 1, attrs)
	}
	if FetchDuration != nil {
		FetchDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func AddFetchesInFlight(ctx context.Context, delta int64) {
	if FetchesInFlight == nil {
		return
	}
	FetchesInFlight.Add(ctx, delta)
}

func RecordBatch(ctx context.Context, pairs int, elapsed time.Duration) {
	if BatchPairsTotal != nil {
		BatchPairsTotal.Add(ctx, int64(pairs))
	}
	if BatchDuration != nil {
		BatchDuration.Record(ctx, elapsed.Seconds())
	}
}

func RecordEvaluation(ctx context.Context, status string, overlap int, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	if EvaluationsTotal != nil {
		EvaluationsTotal.Add(ctx, 1, attrs)
	}
	if EvaluationDuration != nil {
		EvaluationDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if OverlapStations != nil && status == "success" {
		OverlapStations.Record(ctx, int64(overlap))
	}
	if status == "success" {
		RecordLastSuccessTimestamp()
	}
}

func RecordGeocode(ctx context.Context, source string) {
	if GeocodeRequestsTotal == nil {
		return
	}
	GeocodeRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func RecordSinkSend(ctx context.Context, sink, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("sink", sink),
		attribute.String("status", status),
	)
	if SinkSendTotal != nil {
		SinkSendTotal.Add(ctx, 1, attrs)
	}
	if SinkSendDuration != nil {
		SinkSendDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}
