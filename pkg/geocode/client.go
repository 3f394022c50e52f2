// Package geocode resolves location keys to coordinates through Nominatim.
//
// Lookups go memory memo, then the persistent store, then the remote API. The
// remote API is called at most once per Interval across the whole client.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bluele/gcache"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"commutecircles/pkg/geo"
	"commutecircles/pkg/metrics"
	otelutil "commutecircles/pkg/otel"
	"commutecircles/pkg/parser"
	"commutecircles/pkg/types"
)

const (
	DefaultBaseURL    = "https://nominatim.openstreetmap.org/search"
	DefaultUserAgent  = "commutecircles/1.0.0"
	DefaultInterval   = time.Second
	DefaultAttempts   = 3
	DefaultRetryDelay = 2 * time.Second
	DefaultMemoSize   = 4096
)

// Store persists coordinates between runs.
type Store interface {
	LoadCoordinate(ctx context.Context, key types.LocationKey) (geo.Coordinate, bool, error)
	SaveCoordinate(ctx context.Context, key types.LocationKey, c geo.Coordinate) error
}

type Config struct {
	BaseURL      string
	UserAgent    string // Nominatim requires an identifying agent
	CountryCodes string // e.g. "jp"
	Interval     time.Duration
	Attempts     int
	RetryDelay   time.Duration
	MemoSize     int
	Timeout      time.Duration
}

// lookup outcome stored in the memo; found is false for places the API
// answered with no results.
type memoEntry struct {
	coord geo.Coordinate
	found bool
}

type Client struct {
	httpClient *http.Client
	store      Store
	baseURL    string
	userAgent  string
	countries  string
	attempts   int
	retryDelay time.Duration
	limiter    *rate.Limiter
	memo       gcache.Cache
	parser     *parser.XMLParser
	tracer     trace.Tracer
}

// NewClient builds a geocoder. store may be nil.
func NewClient(cfg Config, store Store) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	} else if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MemoSize <= 0 {
		cfg.MemoSize = DefaultMemoSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		},
		store:      store,
		baseURL:    cfg.BaseURL,
		userAgent:  cfg.UserAgent,
		countries:  cfg.CountryCodes,
		attempts:   cfg.Attempts,
		retryDelay: cfg.RetryDelay,
		limiter:    rate.NewLimiter(rate.Every(cfg.Interval), 1),
		memo:       gcache.New(cfg.MemoSize).LRU().Build(),
		parser:     parser.NewXMLParser(),
		tracer:     otel.Tracer("geocode-client"),
	}
}

// Coordinate returns the coordinate of key. Every failure is reported as absent.
func (c *Client) Coordinate(ctx context.Context, key types.LocationKey) (geo.Coordinate, bool) {
	if v, err := c.memo.Get(key); err == nil {
		entry := v.(memoEntry)
		metrics.RecordGeocode(ctx, "memory")
		return entry.coord, entry.found
	}

	ctx, span := c.tracer.Start(ctx, "geocode.coordinate",
		trace.WithAttributes(attribute.String("location", string(key))),
	)
	defer span.End()

	if c.store != nil {
		coord, ok, err := c.store.LoadCoordinate(ctx, key)
		if err != nil {
			slog.Warn("Failed to load cached coordinate", "location", key, "error", err)
		} else if ok {
			c.memo.Set(key, memoEntry{coord: coord, found: true})
			metrics.RecordGeocode(ctx, "store")
			span.SetAttributes(attribute.String("geocode.source", "store"))
			otelutil.SetSpanOk(span)
			return coord, true
		}
	}

	coord, found, err := c.lookupWithRetry(ctx, key)
	if err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeGeocode, true)
		metrics.RecordGeocode(ctx, "error")
		slog.Warn("Geocoding failed", "location", key, "error", err)
		return geo.Coordinate{}, false
	}

	c.memo.Set(key, memoEntry{coord: coord, found: found})
	if !found {
		metrics.RecordGeocode(ctx, "miss")
		slog.Debug("No geocoding result", "location", key)
		span.SetAttributes(attribute.String("geocode.source", "miss"))
		otelutil.SetSpanOk(span)
		return geo.Coordinate{}, false
	}

	if c.store != nil {
		if err := c.store.SaveCoordinate(context.WithoutCancel(ctx), key, coord); err != nil {
			slog.Warn("Failed to persist coordinate", "location", key, "error", err)
		}
	}
	metrics.RecordGeocode(ctx, "remote")
	span.SetAttributes(
		attribute.String("geocode.source", "remote"),
		attribute.Float64("lat", coord.Lat),
		attribute.Float64("lng", coord.Lng),
	)
	otelutil.SetSpanOk(span)
	return coord, true
}

// transientError marks failures worth another attempt.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (c *Client) lookupWithRetry(ctx context.Context, key types.LocationKey) (geo.Coordinate, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		coord, found, err := c.lookup(ctx, key)
		if err == nil {
			return coord, found, nil
		}
		lastErr = err

		var te *transientError
		if !errors.As(err, &te) || attempt == c.attempts {
			break
		}
		slog.Debug("Retrying geocode", "location", key, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return geo.Coordinate{}, false, ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
	return geo.Coordinate{}, false, lastErr
}

func (c *Client) lookup(ctx context.Context, key types.LocationKey) (geo.Coordinate, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return geo.Coordinate{}, false, err
	}

	params := url.Values{}
	params.Set("q", string(key))
	params.Set("format", "xml")
	params.Set("limit", "1")
	if c.countries != "" {
		params.Set("countrycodes", c.countries)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return geo.Coordinate{}, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/xml")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordHTTPRequest(ctx, req.URL.Host, req.Method, 0, time.Since(start), -1)
		if ctx.Err() != nil {
			return geo.Coordinate{}, false, ctx.Err()
		}
		return geo.Coordinate{}, false, &transientError{fmt.Errorf("failed to make request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	metrics.RecordHTTPRequest(ctx, req.URL.Host, req.Method, resp.StatusCode, time.Since(start), int64(len(body)))
	if err != nil {
		return geo.Coordinate{}, false, &transientError{fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return geo.Coordinate{}, false, &transientError{err}
		}
		return geo.Coordinate{}, false, err
	}

	places, err := c.parser.ParsePlaces(ctx, body)
	if err != nil {
		return geo.Coordinate{}, false, err
	}
	if len(places) == 0 {
		return geo.Coordinate{}, false, nil
	}

	coord := geo.Coordinate{Lat: places[0].Lat, Lng: places[0].Lng}
	if err := coord.Validate(); err != nil {
		return geo.Coordinate{}, false, err
	}
	return coord, true, nil
}
