package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"commutecircles/pkg/metrics"
	otelutil "commutecircles/pkg/otel"
	"commutecircles/pkg/types"
)

const (
	DefaultWorkers = 5
	DefaultSpacing = time.Second

	DefaultFailureMemo       = 10000
	DefaultFailureRetryAfter = time.Hour
)

// Store is the part of the cache the coordinator needs.
type Store interface {
	Get(ctx context.Context, q types.TransitQuery) (*types.TransitRecord, error)
	Put(ctx context.Context, rec types.TransitRecord) error
}

// Pair is one origin/destination combination to resolve.
type Pair struct {
	Origin      types.LocationKey `json:"origin"`
	Destination types.LocationKey `json:"destination"`
}

// Result is the outcome for one input pair.
type Result struct {
	Pair   Pair                `json:"pair"`
	Record types.TransitRecord `json:"record"`
	Cached bool                `json:"cached"`
}

// Batch collects the results of a ResolveBatch call in completion order.
type Batch struct {
	Results []Result `json:"results"`
	Hits    int      `json:"hits"`
	Fetched int      `json:"fetched"`
	Failed  int      `json:"failed"`

	index map[Pair]int
}

func (b *Batch) add(r Result) {
	if b.index == nil {
		b.index = make(map[Pair]int)
	}
	if _, ok := b.index[r.Pair]; !ok {
		b.index[r.Pair] = len(b.Results)
	}
	b.Results = append(b.Results, r)
}

// Record returns the record resolved for p.
func (b *Batch) Record(p Pair) (types.TransitRecord, bool) {
	i, ok := b.index[p]
	if !ok {
		return types.TransitRecord{}, false
	}
	return b.Results[i].Record, true
}

// InOrder returns the results for pairs in the given order, skipping pairs
// that were not resolved.
func (b *Batch) InOrder(pairs []Pair) []Result {
	out := make([]Result, 0, len(pairs))
	for _, p := range pairs {
		if i, ok := b.index[p]; ok {
			r := b.Results[i]
			r.Pair = p
			out = append(out, r)
		}
	}
	return out
}

// Config tunes the worker pool.
type Config struct {
	// Workers is the number of concurrent fetchers. Default 5.
	Workers int
	// Spacing is the minimum gap between two calls made by the same worker.
	// Zero means DefaultSpacing; a negative value disables spacing.
	Spacing time.Duration
	// FailureMemo bounds how many failed keys are remembered. Default 10000.
	FailureMemo int
	// FailureRetryAfter is how long a cached failure is served before it is
	// fetched again. Default one hour.
	FailureRetryAfter time.Duration
}

// Coordinator resolves batches of pairs through the cache and a bounded
// pool of rate-limited workers.
type Coordinator struct {
	store   Store
	fetcher *Fetcher
	workers int
	spacing time.Duration
	tracer  trace.Tracer

	// keys whose last fetch by this coordinator failed; a cached failure for
	// one of these is served as a hit until the entry expires or is evicted
	failed gcache.Cache
}

func NewCoordinator(store Store, fetcher *Fetcher, cfg Config) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	switch {
	case cfg.Spacing == 0:
		cfg.Spacing = DefaultSpacing
	case cfg.Spacing < 0:
		cfg.Spacing = 0
	}
	if cfg.FailureMemo <= 0 {
		cfg.FailureMemo = DefaultFailureMemo
	}
	if cfg.FailureRetryAfter <= 0 {
		cfg.FailureRetryAfter = DefaultFailureRetryAfter
	}
	return &Coordinator{
		store:   store,
		fetcher: fetcher,
		workers: cfg.Workers,
		spacing: cfg.Spacing,
		tracer:  otel.Tracer("coordinator"),
		failed:  newFailureMemo(cfg.FailureMemo, cfg.FailureRetryAfter, gcache.NewRealClock()),
	}
}

func newFailureMemo(size int, retryAfter time.Duration, clock gcache.Clock) gcache.Cache {
	return gcache.New(size).LRU().Expiration(retryAfter).Clock(clock).Build()
}

type job struct {
	query types.TransitQuery
	pairs []Pair
}

type jobResult struct {
	job    *job
	record types.TransitRecord
}

// ResolveBatch returns a record for every pair. Cached records are served
// directly; distinct misses are fetched once each and written back. When ctx
// is cancelled, pending misses are dropped and the partial batch is returned
// together with ctx.Err().
func (c *Coordinator) ResolveBatch(ctx context.Context, pairs []Pair, departureHour *int) (*Batch, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.resolve_batch",
		trace.WithAttributes(
			attribute.Int("pairs_count", len(pairs)),
			attribute.Int("workers", c.workers),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.RecordBatch(ctx, len(pairs), time.Since(start))
	}()

	batch := &Batch{}
	jobs, err := c.lookup(ctx, pairs, departureHour, batch)
	if err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeDatabase, false)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("cache_hits", batch.Hits),
		attribute.Int("cache_misses", len(jobs)),
	)

	if len(jobs) > 0 {
		if err := ctx.Err(); err != nil {
			otelutil.RecordError(span, err, otelutil.ErrorTypeCanceled, false)
			return batch, err
		}

		completed := c.dispatch(ctx, jobs, batch)
		if completed < len(jobs) {
			err := ctx.Err()
			if err == nil {
				err = fmt.Errorf("resolved %d of %d fetches", completed, len(jobs))
			}
			otelutil.RecordError(span, err, otelutil.ErrorTypeCanceled, false)
			slog.Warn("Batch interrupted", "completed", completed, "pending", len(jobs)-completed, "error", err)
			return batch, err
		}
	}

	span.SetAttributes(
		attribute.Int("fetched", batch.Fetched),
		attribute.Int("failed", batch.Failed),
	)
	otelutil.SetSpanOk(span)

	slog.Debug("Batch resolved",
		"pairs", len(pairs),
		"hits", batch.Hits,
		"fetched", batch.Fetched,
		"failed", batch.Failed,
		"duration", time.Since(start),
	)

	return batch, nil
}

// lookup serves cache hits into batch and returns the distinct misses, in
// first-seen order.
func (c *Coordinator) lookup(ctx context.Context, pairs []Pair, departureHour *int, batch *Batch) ([]*job, error) {
	var (
		jobs    []*job
		pending = make(map[types.QueryKey]*job)
		hits    = make(map[types.QueryKey]types.TransitRecord)
	)

	for _, p := range pairs {
		q := types.NewQuery(p.Origin, p.Destination, departureHour)
		if err := q.Validate(); err != nil {
			return nil, fmt.Errorf("invalid pair %s -> %s: %w", p.Origin, p.Destination, err)
		}
		key := q.Key()

		if j, ok := pending[key]; ok {
			j.pairs = append(j.pairs, p)
			continue
		}
		if rec, ok := hits[key]; ok {
			batch.add(Result{Pair: p, Record: rec, Cached: true})
			batch.Hits++
			continue
		}

		rec, err := c.store.Get(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("cache lookup for %s: %w", q, err)
		}

		if rec != nil && c.servable(*rec) {
			metrics.RecordCacheLookup(ctx, "hit")
			hits[key] = *rec
			batch.add(Result{Pair: p, Record: *rec, Cached: true})
			batch.Hits++
			continue
		}

		if rec != nil {
			metrics.RecordCacheLookup(ctx, "retry")
		} else {
			metrics.RecordCacheLookup(ctx, "miss")
		}
		j := &job{query: q, pairs: []Pair{p}}
		pending[key] = j
		jobs = append(jobs, j)
	}

	return jobs, nil
}

// servable reports whether a cached record can be returned without fetching.
// A failure is fetched again unless this coordinator saw it fail recently.
func (c *Coordinator) servable(rec types.TransitRecord) bool {
	if !rec.Failed() {
		return true
	}
	return c.recentlyFailed(rec.Query.Key())
}

func (c *Coordinator) recentlyFailed(key types.QueryKey) bool {
	_, err := c.failed.GetIFPresent(key)
	return err == nil
}

// dispatch fans jobs out to the worker pool and returns how many completed.
func (c *Coordinator) dispatch(ctx context.Context, jobs []*job, batch *Batch) int {
	workers := c.workers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	jobCh := make(chan *job)
	resultCh := make(chan jobResult)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx, jobCh, resultCh)
		}()
	}

	go func() {
		defer close(jobCh)
		for _, j := range jobs {
			select {
			case jobCh <- j:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	completed := 0
	for r := range resultCh {
		completed++
		batch.Fetched++
		if r.record.Failed() {
			batch.Failed++
		}
		for _, p := range r.job.pairs {
			batch.add(Result{Pair: p, Record: r.record})
		}
	}
	return completed
}

// worker owns a limiter so consecutive calls from the same worker are at
// least c.spacing apart.
func (c *Coordinator) worker(ctx context.Context, jobs <-chan *job, results chan<- jobResult) {
	limiter := rate.NewLimiter(rate.Every(c.spacing), 1)

	for j := range jobs {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		metrics.AddFetchesInFlight(ctx, 1)
		rec := c.fetcher.Fetch(ctx, j.query)
		metrics.AddFetchesInFlight(ctx, -1)

		// a failure caused by our own cancellation is not an upstream answer
		if rec.Failed() && ctx.Err() != nil {
			return
		}

		if rec.Failed() {
			c.failed.Set(j.query.Key(), struct{}{})
		} else {
			c.failed.Remove(j.query.Key())
		}
		if err := c.store.Put(context.WithoutCancel(ctx), rec); err != nil {
			slog.Error("Failed to cache transit record",
				"origin", j.query.Origin,
				"destination", j.query.Destination,
				"error", err,
			)
		}

		results <- jobResult{job: j, record: rec}
	}
}
