package metrics

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"commutecircles/pkg/otel"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ExportInterval is how often collected metrics are pushed.
const ExportInterval = 60 * time.Second

var (
	meterProvider *sdkmetric.MeterProvider

	// Meter creates every instrument of this service; nil while metrics are
	// disabled, which turns every Record helper into a no-op.
	Meter metric.Meter

	// unix seconds of the last successful evaluation
	lastSuccessTimestamp atomic.Int64
)

// InitMetrics installs the global meter provider when OTEL_METRICS_ENABLED
// is set. Exporter failures degrade to disabled metrics rather than aborting
// startup. The returned function flushes and stops the provider.
func InitMetrics() (func(), error) {
	if !otel.IsMetricsEnabled() {
		slog.Debug("OpenTelemetry metrics is disabled")
		return func() {}, nil
	}

	ctx := context.Background()
	cfg := otel.GetExporterConfig(otel.SignalMetrics)

	exporter, err := otel.NewMetricExporter(ctx, cfg)
	if err != nil {
		slog.Warn("Failed to create OTLP metric exporter, using noop", "error", err)
		return func() {}, nil
	}

	res, err := otel.NewResource()
	if err != nil {
		slog.Warn("Failed to create resource, using noop", "error", err)
		return func() {}, nil
	}

	meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(ExportInterval))),
		sdkmetric.WithResource(res),
	)
	otelapi.SetMeterProvider(meterProvider)
	Meter = meterProvider.Meter(otel.ServiceName)

	if err := initializeInstruments(); err != nil {
		slog.Error("Failed to initialize metric instruments", "error", err)
		Meter = nil
		return func() {}, nil
	}
	if err := registerObservers(); err != nil {
		slog.Warn("Failed to register runtime metrics", "error", err)
	}

	slog.Debug("OpenTelemetry metrics initialized",
		"endpoint", cfg.Endpoint,
		"protocol", cfg.Protocol,
		"interval", ExportInterval,
	)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(ctx); err != nil {
			slog.Error("Error shutting down meter provider", "error", err)
		}
	}, nil
}

// registerObservers registers the runtime gauges and the last-success gauge
// behind one callback, so a collection reads MemStats once.
func registerObservers() error {
	goroutines, err1 := Meter.Int64ObservableGauge("runtime.go.goroutines",
		metric.WithDescription("Number of goroutines"),
		metric.WithUnit("{goroutine}"))
	heapAlloc, err2 := Meter.Int64ObservableGauge("runtime.go.mem.heap_alloc",
		metric.WithDescription("Heap memory allocated"),
		metric.WithUnit("By"))
	heapInuse, err3 := Meter.Int64ObservableGauge("runtime.go.mem.heap_inuse",
		metric.WithDescription("Heap memory in use"),
		metric.WithUnit("By"))
	gcCount, err4 := Meter.Int64ObservableCounter("runtime.go.gc.count",
		metric.WithDescription("Number of completed GC cycles"),
		metric.WithUnit("{gc}"))
	gcPause, err5 := Meter.Int64ObservableCounter("runtime.go.gc.pause.total",
		metric.WithDescription("Total GC pause time"),
		metric.WithUnit("ns"))
	lastSuccess, err6 := Meter.Int64ObservableGauge("commute.evaluation.last_success.timestamp",
		metric.WithDescription("Unix timestamp of the last successful evaluation"),
		metric.WithUnit("s"))
	if err := errors.Join(err1, err2, err3, err4, err5, err6); err != nil {
		return err
	}

	_, err := Meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		o.ObserveInt64(goroutines, int64(runtime.NumGoroutine()))
		o.ObserveInt64(heapAlloc, int64(m.HeapAlloc))
		o.ObserveInt64(heapInuse, int64(m.HeapInuse))
		o.ObserveInt64(gcCount, int64(m.NumGC))
		o.ObserveInt64(gcPause, int64(m.PauseTotalNs))
		if ts := LastSuccess(); !ts.IsZero() {
			o.ObserveInt64(lastSuccess, ts.Unix())
		}
		return nil
	}, goroutines, heapAlloc, heapInuse, gcCount, gcPause, lastSuccess)
	return err
}

// RecordLastSuccessTimestamp marks now as the last successful evaluation.
func RecordLastSuccessTimestamp() {
	lastSuccessTimestamp.Store(time.Now().Unix())
}

// LastSuccess returns the time of the last successful evaluation, or the
// zero time before the first one.
func LastSuccess() time.Time {
	ts := lastSuccessTimestamp.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

func IsEnabled() bool {
	return Meter != nil
}
