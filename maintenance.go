package unioauth

import (
	"context"
	"errors"
	"time"

	"github.com/unioauth/unioauth/providers"
	"github.com/unioauth/unioauth/security"
	"github.com/unioauth/unioauth/storage"
)

// MaintenanceReport summarizes one RunMaintenance pass.
type MaintenanceReport struct {
	// StatesExpired is the number of stale Valid states marked Expired.
	StatesExpired int
	// StatesDeleted is the number of terminal states past retention that
	// were hard-deleted.
	StatesDeleted int

	// RefreshCandidates is how many bindings held a refresh token expiring
	// inside the lookahead window.
	RefreshCandidates int
	// Refreshed is how many of those got a fresh token.
	Refreshed int
	// Skipped counts candidates whose provider does not support refresh or
	// has no enabled configuration. No network call is made for them.
	Skipped int

	// Failures lists per-binding refresh errors. Failures never abort the
	// pass.
	Failures []RefreshFailure
}

// RefreshFailure records one binding the refresh pass could not renew.
type RefreshFailure struct {
	BindingID string
	Provider  storage.ProviderID
	UserID    int64
	Err       error
}

// RunMaintenance sweeps the state table and proactively refreshes access
// tokens expiring within the configured lookahead. Designed to run from a
// scheduler; one pass at a time per store.
func (e *Engine) RunMaintenance(ctx context.Context) (*MaintenanceReport, error) {
	ctx, span := e.tracer.Start(ctx, "RunMaintenance")
	defer span.End()

	now := e.clock.Now()
	report := &MaintenanceReport{}

	expired, deleted, err := e.states.SweepStates(ctx, now, now.Add(-e.config.StateRetention))
	if err != nil {
		return nil, WrapFlowError(ErrorCodeServerError, "state sweep failed", err)
	}
	report.StatesExpired = expired
	report.StatesDeleted = deleted
	if expired > 0 {
		e.metrics().RecordStateExpired(ctx, int64(expired))
	}

	candidates, err := e.bindings.ListRefreshable(ctx, now.Add(e.config.RefreshLookahead))
	if err != nil {
		return nil, WrapFlowError(ErrorCodeServerError, "could not list refreshable bindings", err)
	}
	report.RefreshCandidates = len(candidates)

	// Adapters are cached per provider for the pass; a provider that fails
	// to construct skips all of its bindings.
	adapters := make(map[storage.ProviderID]providers.Provider, len(storage.KnownProviders))
	unavailable := make(map[storage.ProviderID]bool)

	for _, b := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if unavailable[b.Provider] {
			report.Skipped++
			continue
		}
		// ListRefreshable filters on the store's view of time; the
		// injected clock is authoritative for the refresh decision.
		if !security.IsTokenExpiringSoon(e.clock, b.TokenExpiry, e.config.RefreshLookahead) {
			report.Skipped++
			continue
		}
		p, ok := adapters[b.Provider]
		if !ok {
			_, built, err := e.providerFor(ctx, b.Provider)
			if err != nil {
				if !errors.Is(err, storage.ErrConfigNotFound) {
					e.logger.Warn("Provider unavailable for refresh",
						"provider", b.Provider, "error", err)
				}
				unavailable[b.Provider] = true
				report.Skipped++
				continue
			}
			p = built
			adapters[b.Provider] = p
		}
		if !p.SupportsRefresh() {
			unavailable[b.Provider] = true
			report.Skipped++
			continue
		}
		e.refreshBinding(ctx, p, b, report)
	}

	e.logger.Info("Maintenance pass finished",
		"states_expired", report.StatesExpired,
		"states_deleted", report.StatesDeleted,
		"refresh_candidates", report.RefreshCandidates,
		"refreshed", report.Refreshed,
		"skipped", report.Skipped,
		"failures", len(report.Failures))
	return report, nil
}

func (e *Engine) refreshBinding(ctx context.Context, p providers.Provider, b *storage.Binding, report *MaintenanceReport) {
	id := b.Provider.String()

	start := time.Now()
	bundle, err := p.RefreshToken(ctx, b.RefreshToken)
	e.metrics().RecordProviderAPICall(ctx, id, "refresh_token", time.Since(start), err)
	e.metrics().RecordTokenRefresh(ctx, id, err)
	if err != nil {
		e.Auditor.LogRefreshFailed(id, b.UserID, "provider rejected refresh")
		e.logger.Warn("Token refresh failed",
			"provider", id, "binding_id", b.ID, "error", err)
		report.Failures = append(report.Failures, RefreshFailure{
			BindingID: b.ID, Provider: b.Provider, UserID: b.UserID, Err: err,
		})
		return
	}

	now := e.clock.Now()
	b.AccessToken = bundle.AccessToken
	if bundle.RefreshToken != "" {
		b.RefreshToken = bundle.RefreshToken
	}
	b.TokenExpiry = bundle.ExpiryAt(now)
	if err := e.bindings.Update(ctx, b); err != nil {
		e.logger.Error("Failed to persist refreshed tokens",
			"provider", id, "binding_id", b.ID, "error", err)
		report.Failures = append(report.Failures, RefreshFailure{
			BindingID: b.ID, Provider: b.Provider, UserID: b.UserID, Err: err,
		})
		return
	}
	report.Refreshed++
}
