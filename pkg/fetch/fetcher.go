// Package fetch resolves transit durations through the cache, calling the
// upstream directions source only for misses.
package fetch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"commutecircles/pkg/metrics"
	otelutil "commutecircles/pkg/otel"
	"commutecircles/pkg/types"
)

// Source returns the raw human-readable travel duration for a query.
type Source interface {
	FetchDuration(ctx context.Context, q types.TransitQuery) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, q types.TransitQuery) (string, error)

func (f SourceFunc) FetchDuration(ctx context.Context, q types.TransitQuery) (string, error) {
	return f(ctx, q)
}

// Parser turns raw duration text into minutes.
type Parser interface {
	Parse(text string) (int, bool)
}

// Fetcher performs one upstream call per query. It never retries and never
// returns an error: any failure becomes a record with no text and no duration.
type Fetcher struct {
	source Source
	parser Parser
	tracer trace.Tracer
}

func NewFetcher(source Source, parser Parser) *Fetcher {
	return &Fetcher{
		source: source,
		parser: parser,
		tracer: otel.Tracer("fetcher"),
	}
}

func (f *Fetcher) Fetch(ctx context.Context, q types.TransitQuery) types.TransitRecord {
	ctx, span := f.tracer.Start(ctx, "fetcher.fetch",
		trace.WithAttributes(
			attribute.String("origin", string(q.Origin)),
			attribute.String("destination", string(q.Destination)),
			attribute.Int("depart_hour", q.StoredHour()),
		),
	)
	defer span.End()

	start := time.Now()
	text, err := f.source.FetchDuration(ctx, q)
	if err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeUpstream, true)
		metrics.RecordFetch(ctx, "failed", time.Since(start))
		slog.Warn("Failed to fetch transit duration",
			"origin", q.Origin,
			"destination", q.Destination,
			"error", err,
		)
		return types.FailedRecord(q)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		metrics.RecordFetch(ctx, "empty", time.Since(start))
		slog.Warn("Upstream returned no duration", "origin", q.Origin, "destination", q.Destination)
		return types.FailedRecord(q)
	}

	rec := types.TransitRecord{
		Query:           q,
		RawDurationText: types.StringPtr(text),
	}

	status := "ok"
	if minutes, ok := f.parser.Parse(text); ok {
		rec.DurationMinutes = types.IntPtr(minutes)
		span.SetAttributes(attribute.Int("duration_minutes", minutes))
	} else {
		status = "unparsed"
		slog.Debug("Duration text not parsed", "origin", q.Origin, "destination", q.Destination, "text", text)
	}

	metrics.RecordFetch(ctx, status, time.Since(start))
	otelutil.SetSpanOk(span)
	return rec
}
