package otelhelper

import (
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tickerlab/stepflow/pkg/models"
)

const ErrorCodeKey = "stepflow.error.code"

// SetError marks the span failed. When the error carries a step error code
// the code is attached as an attribute so traces can be filtered the same
// way the persisted step errors are.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	var stepErr *models.StepError
	if errors.As(err, &stepErr) {
		attrs = append(attrs, attribute.String(ErrorCodeKey, string(stepErr.Code)))
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("error_occurred", trace.WithAttributes(
		attrs...,
	))
}
