package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used across spans.
const (
	AttrProviderName      = "oauth.provider"
	AttrProviderOperation = "oauth.provider.operation"
	AttrFlowPurpose       = "oauth.flow.purpose"
	AttrUserID            = "oauth.user_id"
	AttrStorageOperation  = "storage.operation"
	AttrStorageBackend    = "storage.backend"
	AttrStorageResult     = "storage.result"
	AttrClientIP          = "client.ip"
	AttrErrorType         = "error.type"
)

// SetSpanAttributes adds attributes to a span if it is recording.
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(attrs...)
}

// RecordError records an error on the span and marks the span status.
func RecordError(span trace.Span, err error) {
	if span == nil || !span.IsRecording() || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess marks the span as successful.
func SetSpanSuccess(span trace.Span) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// AddProviderAttributes adds provider call attributes to a span.
func AddProviderAttributes(span trace.Span, provider, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrProviderName, provider),
		attribute.String(AttrProviderOperation, operation),
	)
}

// AddStorageAttributes adds storage operation attributes to a span.
func AddStorageAttributes(span trace.Span, backend, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageBackend, backend),
		attribute.String(AttrStorageOperation, operation),
	)
}

// AddClientIPAttribute adds the client IP to a span when IP logging is
// enabled on the instrumentation instance.
func (i *Instrumentation) AddClientIPAttribute(span trace.Span, clientIP string) {
	if i == nil || !i.config.LogClientIPs || clientIP == "" {
		return
	}
	SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
}
