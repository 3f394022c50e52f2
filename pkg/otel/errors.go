package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorType is the error.type attribute recorded with a span error.
type ErrorType string

const (
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeHTTP       ErrorType = "http"
	ErrorTypeParse      ErrorType = "parse"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeUpstream   ErrorType = "upstream"
	ErrorTypeGeocode    ErrorType = "geocode"
	ErrorTypeCanceled   ErrorType = "canceled"
)

// RecordError marks span failed with err. A cancelled or expired context
// wins over the caller's classification and is never transient.
func RecordError(span trace.Span, err error, errorType ErrorType, transient bool) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		errorType, transient = ErrorTypeCanceled, false
	}
	span.RecordError(err, trace.WithAttributes(
		attribute.String("error.type", string(errorType)),
		attribute.Bool("error.transient", transient),
	))
	span.SetStatus(codes.Error, err.Error())
}

func SetSpanOk(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
