// Package directions fetches transit durations from the Google Directions XML API.
package directions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	_ "time/tzdata"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"commutecircles/pkg/metrics"
	otelutil "commutecircles/pkg/otel"
	"commutecircles/pkg/parser"
	"commutecircles/pkg/types"
)

const (
	DefaultBaseURL  = "https://maps.googleapis.com/maps/api/directions/xml"
	DefaultTimeZone = "Asia/Tokyo"
	UserAgent       = "commutecircles/1.0.0"
)

// ErrNoRoute is returned when the API answers but has no transit route.
var ErrNoRoute = errors.New("no transit route")

type Config struct {
	APIKey   string
	BaseURL  string
	Language string // e.g. "ja"; empty lets the API pick
	TimeZone string // zone used to turn a departure hour into a timestamp
	Timeout  time.Duration
}

type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	language   string
	location   *time.Location
	parser     *parser.XMLParser
	tracer     trace.Tracer
	now        func() time.Time
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("directions API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = DefaultTimeZone
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", cfg.TimeZone, err)
	}

	client := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.Timeout,
	}

	return &Client{
		httpClient: client,
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		language:   cfg.Language,
		location:   loc,
		parser:     parser.NewXMLParser(),
		tracer:     otel.Tracer("directions-client"),
		now:        time.Now,
	}, nil
}

// DepartureTime returns today at hour:00 in the client's time zone.
func (c *Client) DepartureTime(hour int) time.Time {
	now := c.now().In(c.location)
	return time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, c.location)
}

// FetchDuration returns the human-readable duration of the first transit
// route from q.Origin to q.Destination.
func (c *Client) FetchDuration(ctx context.Context, q types.TransitQuery) (string, error) {
	ctx, span := c.tracer.Start(ctx, "directions.fetch_duration",
		trace.WithAttributes(
			attribute.String("origin", string(q.Origin)),
			attribute.String("destination", string(q.Destination)),
			attribute.String("api.endpoint", c.baseURL),
		),
	)
	defer span.End()

	params := url.Values{}
	params.Set("origin", string(q.Origin))
	params.Set("destination", string(q.Destination))
	params.Set("mode", "transit")
	params.Set("key", c.apiKey)
	if c.language != "" {
		params.Set("language", c.language)
	}
	if q.DepartureHour != nil {
		departure := c.DepartureTime(*q.DepartureHour)
		params.Set("departure_time", fmt.Sprintf("%d", departure.Unix()))
		span.SetAttributes(attribute.String("departure_time", departure.Format(time.RFC3339)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeValidation, false)
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/xml")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeNetwork, true)
		metrics.RecordHTTPRequest(ctx, req.URL.Host, req.Method, 0, time.Since(start), -1)
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	metrics.RecordHTTPRequest(ctx, req.URL.Host, req.Method, resp.StatusCode, time.Since(start), int64(len(body)))
	if err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeNetwork, true)
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int("response.size_bytes", len(body)),
	)

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
		otelutil.RecordError(span, err, otelutil.ErrorTypeHTTP, resp.StatusCode >= 500)
		return "", err
	}

	result, err := c.parser.ParseDirections(ctx, body)
	if err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeParse, false)
		return "", err
	}
	span.SetAttributes(attribute.String("directions.status", result.Status))

	switch result.Status {
	case parser.StatusOK:
	case parser.StatusZeroResults, parser.StatusNotFound:
		return "", fmt.Errorf("%s -> %s: %w (%s)", q.Origin, q.Destination, ErrNoRoute, result.Status)
	default:
		err := fmt.Errorf("directions status %s: %s", result.Status, result.ErrorMessage)
		otelutil.RecordError(span, err, otelutil.ErrorTypeUpstream, false)
		return "", err
	}

	if result.DurationText == "" {
		return "", fmt.Errorf("%s -> %s: %w (no duration)", q.Origin, q.Destination, ErrNoRoute)
	}

	span.SetAttributes(
		attribute.String("duration_text", result.DurationText),
		attribute.String("route_summary", result.Summary),
	)
	otelutil.SetSpanOk(span)
	return result.DurationText, nil
}
