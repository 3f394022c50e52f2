package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/clbanning/mxj/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Directions API status values.
const (
	StatusOK          = "OK"
	StatusZeroResults = "ZERO_RESULTS"
	StatusNotFound    = "NOT_FOUND"
)

type XMLParser struct {
	tracer trace.Tracer
}

func NewXMLParser() *XMLParser {
	return &XMLParser{
		tracer: otel.Tracer("xml-parser"),
	}
}

// DirectionsResult is the part of a DirectionsResponse document the fetcher needs.
type DirectionsResult struct {
	Status          string
	ErrorMessage    string
	DurationText    string
	DurationSeconds int
	Summary         string
}

// Place is one geocoder search hit.
type Place struct {
	Lat         float64
	Lng         float64
	DisplayName string
}

func (p *XMLParser) ParseDirections(ctx context.Context, data []byte) (*DirectionsResult, error) {
	_, span := p.tracer.Start(ctx, "xml_parser.parse_directions",
		trace.WithAttributes(
			attribute.Int("xml_size_bytes", len(data)),
		),
	)
	defer span.End()

	xmlMap, err := mxj.NewMapXml(data)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	resp, ok := xmlMap["DirectionsResponse"].(map[string]interface{})
	if !ok {
		err := fmt.Errorf("missing DirectionsResponse element")
		span.RecordError(err)
		return nil, err
	}

	result := &DirectionsResult{}
	if status, ok := resp["status"].(string); ok {
		result.Status = strings.TrimSpace(status)
	}
	if msg, ok := resp["error_message"].(string); ok {
		result.ErrorMessage = strings.TrimSpace(msg)
	}

	// route and leg can each be a single item or an array; the first one wins
	route := firstMap(resp["route"])
	if route != nil {
		if summary, ok := route["summary"].(string); ok {
			result.Summary = summary
		}
		if leg := firstMap(route["leg"]); leg != nil {
			if duration, ok := leg["duration"].(map[string]interface{}); ok {
				if text, ok := duration["text"].(string); ok {
					result.DurationText = strings.TrimSpace(text)
				}
				if value, ok := duration["value"].(string); ok {
					if n, err := parseInt(value); err == nil {
						result.DurationSeconds = n
					}
				}
			}
		}
	}

	span.SetAttributes(
		attribute.String("status", result.Status),
		attribute.String("duration_text", result.DurationText),
	)

	return result, nil
}

// ParsePlaces extracts the place elements of a Nominatim searchresults document.
func (p *XMLParser) ParsePlaces(ctx context.Context, data []byte) ([]Place, error) {
	_, span := p.tracer.Start(ctx, "xml_parser.parse_places",
		trace.WithAttributes(
			attribute.Int("xml_size_bytes", len(data)),
		),
	)
	defer span.End()

	xmlMap, err := mxj.NewMapXml(data)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	results, ok := xmlMap["searchresults"].(map[string]interface{})
	if !ok {
		return nil, nil
	}

	var items []interface{}
	switch pl := results["place"].(type) {
	case []interface{}:
		items = pl
	case map[string]interface{}:
		items = []interface{}{pl}
	default:
		return nil, nil
	}

	var places []Place
	for _, item := range items {
		attrs, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		// mxj prefixes attributes with "-"
		latStr, _ := attrs["-lat"].(string)
		lonStr, _ := attrs["-lon"].(string)
		lat, err := parseFloat(latStr)
		if err != nil {
			continue
		}
		lng, err := parseFloat(lonStr)
		if err != nil {
			continue
		}
		place := Place{Lat: lat, Lng: lng}
		if name, ok := attrs["-display_name"].(string); ok {
			place.DisplayName = name
		}
		places = append(places, place)
	}

	span.SetAttributes(attribute.Int("places_count", len(places)))

	return places, nil
}

func firstMap(v interface{}) map[string]interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return t
	case []interface{}:
		for _, item := range t {
			if m, ok := item.(map[string]interface{}); ok {
				return m
			}
		}
	}
	return nil
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	var f float64
	_, err := fmt.Sscanf(s, "%f", &f)
	return f, err
}

func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
