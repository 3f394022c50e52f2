// Package loki pushes evaluation reports to Grafana Loki, one JSON log line
// per overlap station plus a summary line.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"commutecircles/pkg/metrics"
	otelutil "commutecircles/pkg/otel"
	"commutecircles/pkg/types"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	SinkName  = "loki"
	UserAgent = "commutecircles/1.0.0"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	tracer     trace.Tracer
}

type PushRequest struct {
	Streams []Stream `json:"streams"`
}

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

func NewClient(baseURL, username, password string) *Client {
	client := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   30 * time.Second,
	}

	return &Client{
		httpClient: client,
		baseURL:    baseURL,
		username:   username,
		password:   password,
		tracer:     otel.Tracer("loki-client"),
	}
}

// LogLines formats a report as the lines pushed to Loki: a summary line
// followed by one line per overlap station, in rank order.
func LogLines(report *types.EvaluationReport) ([]string, error) {
	lines := make([]string, 0, len(report.Overlap)+1)

	summary := map[string]interface{}{
		"kind":           "evaluation",
		"run_id":         report.RunID,
		"timestamp":      report.Timestamp,
		"classification": report.Classification,
		"overlap_count":  len(report.Overlap),
		"ranked_count":   len(report.Ranked()),
		"anchors":        report.Anchors,
	}
	if len(report.Warnings) > 0 {
		summary["warnings"] = report.Warnings
	}
	line, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal summary JSON: %w", err)
	}
	lines = append(lines, string(line))

	for _, s := range report.Overlap {
		stationLog := map[string]interface{}{
			"kind":         "station",
			"run_id":       report.RunID,
			"timestamp":    report.Timestamp,
			"station":      s.Station,
			"observations": s.Observations,
			"marker_image": s.MarkerImage,
		}
		if s.MedianRent != nil {
			stationLog["rank"] = s.Rank
			stationLog["median_rent"] = *s.MedianRent
		}
		if s.IQR != nil {
			stationLog["iqr"] = *s.IQR
		}
		if s.Latitude != nil && s.Longitude != nil {
			stationLog["latitude"] = *s.Latitude
			stationLog["longitude"] = *s.Longitude
		}

		line, err := json.Marshal(stationLog)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal station JSON: %w", err)
		}
		lines = append(lines, string(line))
	}

	return lines, nil
}

func (c *Client) SendEvaluation(ctx context.Context, report *types.EvaluationReport) (err error) {
	ctx, span := c.tracer.Start(ctx, "loki.send_evaluation",
		trace.WithAttributes(
			attribute.String("run_id", report.RunID),
			attribute.String("classification", report.Classification),
			attribute.Int("overlap_count", len(report.Overlap)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.RecordSinkSend(ctx, SinkName, status, time.Since(start))
	}()

	lines, err := LogLines(report)
	if err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeParse, false)
		return err
	}

	now := time.Now().UnixNano()
	logValues := make([][]string, 0, len(lines))
	for i, line := range lines {
		// Loki orders entries of a stream by timestamp, so keep them distinct.
		logValues = append(logValues, []string{strconv.FormatInt(now+int64(i), 10), line})
	}

	lokiReq := PushRequest{
		Streams: []Stream{
			{
				Stream: map[string]string{
					"job":            "commutecircles",
					"service":        "commute-reachability",
					"classification": report.Classification,
				},
				Values: logValues,
			},
		},
	}

	reqBody, err := json.Marshal(lokiReq)
	if err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeParse, false)
		return fmt.Errorf("failed to marshal Loki request: %w", err)
	}

	url := fmt.Sprintf("%s/loki/api/v1/push", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeValidation, false)
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
		span.SetAttributes(
			attribute.Bool("auth.enabled", true),
			attribute.String("auth.username", c.username),
		)
	} else {
		span.SetAttributes(attribute.Bool("auth.enabled", false))
	}

	span.SetAttributes(
		attribute.String("http.url", url),
		attribute.Int("request.size_bytes", len(reqBody)),
		attribute.Int("log_lines_count", len(logValues)),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		otelutil.RecordError(span, err, otelutil.ErrorTypeNetwork, true)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("Loki returned status %d", resp.StatusCode)
		otelutil.RecordError(span, err, otelutil.ErrorTypeHTTP, resp.StatusCode >= 500)
		return err
	}

	otelutil.SetSpanOk(span)
	return nil
}
