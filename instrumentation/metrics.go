package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the engine.
type Metrics struct {
	// Flow metrics.
	FlowAuthorizationsStarted metric.Int64Counter
	FlowCallbacksProcessed    metric.Int64Counter
	FlowDuration              metric.Float64Histogram
	BindingsCreated           metric.Int64Counter
	BindingConflicts          metric.Int64Counter
	LoginsSucceeded           metric.Int64Counter
	LoginsDenied              metric.Int64Counter
	TokenRefreshes            metric.Int64Counter

	// State lifecycle metrics.
	StatesIssued   metric.Int64Counter
	StatesConsumed metric.Int64Counter
	StateReplays   metric.Int64Counter
	StatesExpired  metric.Int64Counter

	// Provider API metrics.
	ProviderAPICalls    metric.Int64Counter
	ProviderAPIDuration metric.Float64Histogram
	ProviderAPIErrors   metric.Int64Counter

	// Security metrics.
	RateLimitViolations metric.Int64Counter

	// Storage metrics.
	StorageOperations    metric.Int64Counter
	StorageOperationTime metric.Float64Histogram
	StorageStatesCount   metric.Int64ObservableGauge
	StorageBindingsCount metric.Int64ObservableGauge
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	engineMeter := inst.Meter("engine")
	providerMeter := inst.Meter("provider")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	m := &Metrics{}
	var err error

	m.FlowAuthorizationsStarted, err = engineMeter.Int64Counter(
		"oauth_flow_authorizations_started_total",
		metric.WithDescription("Total number of authorization flows started"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorizations started counter: %w", err)
	}

	m.FlowCallbacksProcessed, err = engineMeter.Int64Counter(
		"oauth_flow_callbacks_processed_total",
		metric.WithDescription("Total number of provider callbacks processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callbacks processed counter: %w", err)
	}

	m.FlowDuration, err = engineMeter.Float64Histogram(
		"oauth_flow_duration_seconds",
		metric.WithDescription("Duration from state issuance to callback completion"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow duration histogram: %w", err)
	}

	m.BindingsCreated, err = engineMeter.Int64Counter(
		"oauth_bindings_created_total",
		metric.WithDescription("Total number of identity bindings created"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bindings created counter: %w", err)
	}

	m.BindingConflicts, err = engineMeter.Int64Counter(
		"oauth_binding_conflicts_total",
		metric.WithDescription("Total number of rejected binding attempts due to conflicts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create binding conflicts counter: %w", err)
	}

	m.LoginsSucceeded, err = engineMeter.Int64Counter(
		"oauth_logins_succeeded_total",
		metric.WithDescription("Total number of successful delegated logins"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logins succeeded counter: %w", err)
	}

	m.LoginsDenied, err = engineMeter.Int64Counter(
		"oauth_logins_denied_total",
		metric.WithDescription("Total number of denied delegated logins"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logins denied counter: %w", err)
	}

	m.TokenRefreshes, err = engineMeter.Int64Counter(
		"oauth_token_refreshes_total",
		metric.WithDescription("Total number of provider token refresh attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token refreshes counter: %w", err)
	}

	m.StatesIssued, err = engineMeter.Int64Counter(
		"oauth_states_issued_total",
		metric.WithDescription("Total number of state tokens issued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create states issued counter: %w", err)
	}

	m.StatesConsumed, err = engineMeter.Int64Counter(
		"oauth_states_consumed_total",
		metric.WithDescription("Total number of state tokens consumed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create states consumed counter: %w", err)
	}

	m.StateReplays, err = engineMeter.Int64Counter(
		"oauth_state_replays_total",
		metric.WithDescription("Total number of detected state token replay attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state replays counter: %w", err)
	}

	m.StatesExpired, err = engineMeter.Int64Counter(
		"oauth_states_expired_total",
		metric.WithDescription("Total number of state tokens rejected or swept as expired"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create states expired counter: %w", err)
	}

	m.ProviderAPICalls, err = providerMeter.Int64Counter(
		"oauth_provider_api_calls_total",
		metric.WithDescription("Total number of upstream provider API calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider API calls counter: %w", err)
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"oauth_provider_api_duration_seconds",
		metric.WithDescription("Duration of upstream provider API calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider API duration histogram: %w", err)
	}

	m.ProviderAPIErrors, err = providerMeter.Int64Counter(
		"oauth_provider_api_errors_total",
		metric.WithDescription("Total number of upstream provider API errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider API errors counter: %w", err)
	}

	m.RateLimitViolations, err = securityMeter.Int64Counter(
		"oauth_rate_limit_violations_total",
		metric.WithDescription("Total number of rate limit violations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit violations counter: %w", err)
	}

	m.StorageOperations, err = storageMeter.Int64Counter(
		"oauth_storage_operations_total",
		metric.WithDescription("Total number of storage operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage operations counter: %w", err)
	}

	m.StorageOperationTime, err = storageMeter.Float64Histogram(
		"oauth_storage_operation_duration_seconds",
		metric.WithDescription("Duration of storage operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage operation duration histogram: %w", err)
	}

	m.StorageStatesCount, err = storageMeter.Int64ObservableGauge(
		"oauth_storage_states_count",
		metric.WithDescription("Current number of stored authorization states"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage states gauge: %w", err)
	}

	m.StorageBindingsCount, err = storageMeter.Int64ObservableGauge(
		"oauth_storage_bindings_count",
		metric.WithDescription("Current number of stored identity bindings"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage bindings gauge: %w", err)
	}

	return m, nil
}

// RecordAuthorizationStarted records the start of an authorization flow.
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, provider, purpose string) {
	if m == nil || m.FlowAuthorizationsStarted == nil {
		return
	}
	m.FlowAuthorizationsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("purpose", purpose),
	))
}

// RecordCallback records a processed callback and its outcome.
func (m *Metrics) RecordCallback(ctx context.Context, provider, purpose string, err error) {
	if m == nil || m.FlowCallbacksProcessed == nil {
		return
	}
	m.FlowCallbacksProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("purpose", purpose),
		attribute.Bool("success", err == nil),
	))
}

// RecordFlowDuration records the time from state issuance to completion.
func (m *Metrics) RecordFlowDuration(ctx context.Context, provider string, duration time.Duration) {
	if m == nil || m.FlowDuration == nil {
		return
	}
	m.FlowDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordBindingCreated records a newly created identity binding.
func (m *Metrics) RecordBindingCreated(ctx context.Context, provider string) {
	if m == nil || m.BindingsCreated == nil {
		return
	}
	m.BindingsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordBindingConflict records a rejected binding attempt.
func (m *Metrics) RecordBindingConflict(ctx context.Context, provider, reason string) {
	if m == nil || m.BindingConflicts == nil {
		return
	}
	m.BindingConflicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
}

// RecordLogin records a delegated login attempt outcome.
func (m *Metrics) RecordLogin(ctx context.Context, provider string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	if err == nil {
		if m.LoginsSucceeded != nil {
			m.LoginsSucceeded.Add(ctx, 1, attrs)
		}
		return
	}
	if m.LoginsDenied != nil {
		m.LoginsDenied.Add(ctx, 1, attrs)
	}
}

// RecordTokenRefresh records a token refresh attempt.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, provider string, err error) {
	if m == nil || m.TokenRefreshes == nil {
		return
	}
	m.TokenRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("success", err == nil),
	))
}

// RecordStateIssued records an issued state token.
func (m *Metrics) RecordStateIssued(ctx context.Context, provider, purpose string) {
	if m == nil || m.StatesIssued == nil {
		return
	}
	m.StatesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("purpose", purpose),
	))
}

// RecordStateConsumed records a successfully consumed state token.
func (m *Metrics) RecordStateConsumed(ctx context.Context, provider string) {
	if m == nil || m.StatesConsumed == nil {
		return
	}
	m.StatesConsumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordStateReplay records a detected replay of a consumed state token.
func (m *Metrics) RecordStateReplay(ctx context.Context, provider string) {
	if m == nil || m.StateReplays == nil {
		return
	}
	m.StateReplays.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordStateExpired records expired state tokens, either rejected at the
// callback or removed by the sweeper.
func (m *Metrics) RecordStateExpired(ctx context.Context, count int64) {
	if m == nil || m.StatesExpired == nil {
		return
	}
	m.StatesExpired.Add(ctx, count)
}

// RecordProviderAPICall records an upstream provider API call.
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	)
	if m.ProviderAPICalls != nil {
		m.ProviderAPICalls.Add(ctx, 1, attrs)
	}
	if m.ProviderAPIDuration != nil {
		m.ProviderAPIDuration.Record(ctx, duration.Seconds(), attrs)
	}
	if err != nil && m.ProviderAPIErrors != nil {
		m.ProviderAPIErrors.Add(ctx, 1, attrs)
	}
}

// RecordRateLimitViolation records a rate limit violation.
func (m *Metrics) RecordRateLimitViolation(ctx context.Context, limiter string) {
	if m == nil || m.RateLimitViolations == nil {
		return
	}
	m.RateLimitViolations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter", limiter),
	))
}

// RecordStorageOperation records a storage operation with its duration.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, backend string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("backend", backend),
		attribute.Bool("success", err == nil),
	)
	if m.StorageOperations != nil {
		m.StorageOperations.Add(ctx, 1, attrs)
	}
	if m.StorageOperationTime != nil {
		m.StorageOperationTime.Record(ctx, duration.Seconds(), attrs)
	}
}
