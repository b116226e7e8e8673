package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func newTestSpan(t *testing.T) trace.Span {
	t.Helper()
	inst := newTestInstrumentation(t)
	_, span := inst.Tracer("engine").Start(context.Background(), "test-span")
	t.Cleanup(func() { span.End() })
	return span
}

func TestRecordError(t *testing.T) {
	span := newTestSpan(t)

	RecordError(span, errors.New("test error"))
	RecordError(span, nil)
	RecordError(nil, errors.New("no span"))
}

func TestSetSpanSuccess(t *testing.T) {
	span := newTestSpan(t)

	SetSpanSuccess(span)
	SetSpanSuccess(nil)
}

func TestSetSpanAttributes(t *testing.T) {
	span := newTestSpan(t)

	SetSpanAttributes(span,
		attribute.String(AttrProviderName, "github"),
		attribute.String(AttrFlowPurpose, "login"),
	)
	SetSpanAttributes(nil, attribute.String("ignored", "value"))
}

func TestAddProviderAttributes(t *testing.T) {
	span := newTestSpan(t)

	AddProviderAttributes(span, "wechat", "exchange_code")
	AddProviderAttributes(span, "", "")
}

func TestAddStorageAttributes(t *testing.T) {
	span := newTestSpan(t)

	AddStorageAttributes(span, "memory", "consume_state")
}

func TestAddClientIPAttribute(t *testing.T) {
	tests := []struct {
		name         string
		logClientIPs bool
		clientIP     string
	}{
		{"enabled with IP", true, "203.0.113.7"},
		{"enabled empty IP", true, ""},
		{"disabled with IP", false, "203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(Config{Enabled: true, LogClientIPs: tt.logClientIPs})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			_, span := inst.Tracer("security").Start(context.Background(), "test-span")
			defer span.End()

			inst.AddClientIPAttribute(span, tt.clientIP)
		})
	}

	var nilInst *Instrumentation
	nilInst.AddClientIPAttribute(nil, "203.0.113.7")
}
