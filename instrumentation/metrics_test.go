package instrumentation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestInstrumentation(t *testing.T) *Instrumentation {
	t.Helper()
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst
}

func TestMetrics_RecordFlowMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := newTestInstrumentation(t).Metrics()

	metrics.RecordAuthorizationStarted(ctx, "github", "login")
	metrics.RecordAuthorizationStarted(ctx, "wechat", "bind")

	metrics.RecordCallback(ctx, "github", "login", nil)
	metrics.RecordCallback(ctx, "qq", "bind", errors.New("exchange failed"))

	metrics.RecordFlowDuration(ctx, "github", 3*time.Second)

	metrics.RecordBindingCreated(ctx, "dingtalk")
	metrics.RecordBindingConflict(ctx, "dingtalk", "remote_identity_taken")

	metrics.RecordLogin(ctx, "feishu", nil)
	metrics.RecordLogin(ctx, "feishu", errors.New("no binding"))

	metrics.RecordTokenRefresh(ctx, "gitee", nil)
	metrics.RecordTokenRefresh(ctx, "gitee", errors.New("invalid_grant"))
}

func TestMetrics_RecordStateMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := newTestInstrumentation(t).Metrics()

	metrics.RecordStateIssued(ctx, "github", "login")
	metrics.RecordStateConsumed(ctx, "github")
	metrics.RecordStateReplay(ctx, "github")
	metrics.RecordStateExpired(ctx, 12)
}

func TestMetrics_RecordProviderAPICall(t *testing.T) {
	ctx := context.Background()
	metrics := newTestInstrumentation(t).Metrics()

	tests := []struct {
		name      string
		provider  string
		operation string
		duration  time.Duration
		err       error
	}{
		{"successful exchange", "github", "exchange_code", 230 * time.Millisecond, nil},
		{"failed exchange", "wechat", "exchange_code", 45 * time.Millisecond, errors.New("errcode 40029")},
		{"profile fetch", "qq", "fetch_profile", 120 * time.Millisecond, nil},
		{"refresh", "feishu", "refresh_token", 80 * time.Millisecond, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics.RecordProviderAPICall(ctx, tt.provider, tt.operation, tt.duration, tt.err)
		})
	}
}

func TestMetrics_RecordSecurityAndStorage(t *testing.T) {
	ctx := context.Background()
	metrics := newTestInstrumentation(t).Metrics()

	metrics.RecordRateLimitViolation(ctx, "ip")
	metrics.RecordRateLimitViolation(ctx, "issuance")

	metrics.RecordStorageOperation(ctx, "save_state", "memory", 2*time.Millisecond, nil)
	metrics.RecordStorageOperation(ctx, "consume_state", "valkey", 5*time.Millisecond, errors.New("timeout"))
}

func TestMetrics_NilSafe(t *testing.T) {
	ctx := context.Background()

	// All recorders must tolerate a nil receiver so callers can skip
	// instrumentation wiring entirely.
	var m *Metrics
	m.RecordAuthorizationStarted(ctx, "github", "login")
	m.RecordCallback(ctx, "github", "login", nil)
	m.RecordFlowDuration(ctx, "github", time.Second)
	m.RecordBindingCreated(ctx, "github")
	m.RecordBindingConflict(ctx, "github", "conflict")
	m.RecordLogin(ctx, "github", nil)
	m.RecordTokenRefresh(ctx, "github", nil)
	m.RecordStateIssued(ctx, "github", "login")
	m.RecordStateConsumed(ctx, "github")
	m.RecordStateReplay(ctx, "github")
	m.RecordStateExpired(ctx, 1)
	m.RecordProviderAPICall(ctx, "github", "exchange_code", time.Second, nil)
	m.RecordRateLimitViolation(ctx, "ip")
	m.RecordStorageOperation(ctx, "save_state", "memory", time.Millisecond, nil)
}
