package unioauth

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/unioauth/unioauth/instrumentation"
	"github.com/unioauth/unioauth/internal/util"
	"github.com/unioauth/unioauth/providers"
	"github.com/unioauth/unioauth/security"
	"github.com/unioauth/unioauth/storage"
)

// Flow purposes, recorded in audit events and metrics.
const (
	PurposeBind  = "bind"
	PurposeLogin = "login"
)

// BeginRequest starts an authorization flow. UserID set means a bind flow
// for that local user; nil means an anonymous login flow.
type BeginRequest struct {
	Provider storage.ProviderID
	UserID   *int64

	// Payload is an opaque hint (usually a post-login redirect target)
	// carried through the flow and returned at the callback.
	Payload string

	ClientIP  string
	UserAgent string
}

// CallbackRequest completes a bind flow with the provider's redirect values.
type CallbackRequest struct {
	Provider storage.ProviderID
	State    string
	Code     string
	ClientIP string
}

// LoginRequest completes a login flow with the provider's redirect values.
type LoginRequest struct {
	Provider storage.ProviderID
	State    string
	Code     string
	ClientIP string
}

// LoginResult is the outcome of a successful login callback.
type LoginResult struct {
	UserID  int64
	Binding *storage.Binding
	Session *Session

	// Payload echoes the hint given to BeginAuthorization.
	Payload string
}

func purposeOf(userID *int64) string {
	if userID != nil {
		return PurposeBind
	}
	return PurposeLogin
}

// BeginAuthorization issues a state token and returns the provider's
// authorize URL to redirect the browser to. Nothing is persisted when a
// rate limit rejects the request.
func (e *Engine) BeginAuthorization(ctx context.Context, req BeginRequest) (string, error) {
	ctx, span := e.tracer.Start(ctx, "BeginAuthorization", trace.WithAttributes(
		attribute.String(instrumentation.AttrProviderName, req.Provider.String()),
		attribute.String(instrumentation.AttrFlowPurpose, purposeOf(req.UserID)),
	))
	defer span.End()

	cfg, provider, err := e.providerFor(ctx, req.Provider)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", e.wrapProviderLookup(req.Provider, err)
	}

	if err := e.checkIssuanceLimits(ctx, req); err != nil {
		instrumentation.RecordError(span, err)
		return "", err
	}

	stateToken := security.GenerateStateToken()
	authURL, err := provider.AuthorizationURL(stateToken)
	if err != nil {
		instrumentation.RecordError(span, err)
		e.logger.Error("Failed to build authorize URL",
			"provider", req.Provider, "error", err)
		return "", WrapFlowError(ErrorCodeServerError, "could not start the authorization flow", err)
	}

	now := e.clock.Now()
	state := &storage.AuthState{
		State:     stateToken,
		Provider:  req.Provider,
		UserID:    copyUserID(req.UserID),
		Payload:   req.Payload,
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(e.config.StateTTL),
		Status:    storage.StateValid,
	}
	if err := e.states.SaveState(ctx, state); err != nil {
		instrumentation.RecordError(span, err)
		e.logger.Error("Failed to persist auth state",
			"provider", req.Provider, "error", err)
		return "", WrapFlowError(ErrorCodeServerError, "could not start the authorization flow", err)
	}

	purpose := purposeOf(req.UserID)
	e.Auditor.LogStateIssued(req.Provider.String(), derefUserID(req.UserID), req.ClientIP, purpose)
	e.metrics().RecordStateIssued(ctx, req.Provider.String(), purpose)
	e.metrics().RecordAuthorizationStarted(ctx, req.Provider.String(), purpose)
	e.logger.Debug("Authorization flow started",
		"provider", req.Provider,
		"purpose", purpose,
		"state_prefix", statePrefix(stateToken),
		"display_name", cfg.DisplayName)

	instrumentation.SetSpanSuccess(span)
	return authURL, nil
}

// HandleCallback completes a bind flow: the consumed state must carry the
// local user who started it. Returns the created or refreshed binding.
func (e *Engine) HandleCallback(ctx context.Context, req CallbackRequest) (*storage.Binding, error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "HandleCallback", trace.WithAttributes(
		attribute.String(instrumentation.AttrProviderName, req.Provider.String()),
		attribute.String(instrumentation.AttrFlowPurpose, PurposeBind),
	))
	defer span.End()

	binding, err := e.completeBind(ctx, req)
	e.metrics().RecordCallback(ctx, req.Provider.String(), PurposeBind, err)
	e.metrics().RecordFlowDuration(ctx, req.Provider.String(), time.Since(started))
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return binding, nil
}

func (e *Engine) completeBind(ctx context.Context, req CallbackRequest) (*storage.Binding, error) {
	if err := e.checkCallbackLimit(ctx, req.Provider, req.ClientIP); err != nil {
		return nil, err
	}
	state, err := e.consumeState(ctx, req.Provider, req.State, req.ClientIP)
	if err != nil {
		return nil, err
	}
	if state.UserID == nil {
		return nil, NewFlowError(ErrorCodeStateMissingUser, "this authorization was started as a login, not a bind")
	}

	_, provider, err := e.providerFor(ctx, req.Provider)
	if err != nil {
		return nil, e.wrapProviderLookup(req.Provider, err)
	}

	bundle, profile, err := e.exchangeAndFetch(ctx, provider, req.Code)
	if err != nil {
		return nil, err
	}

	binding, err := e.resolve(ctx, state.UserID, req.Provider, profile, bundle, req.ClientIP)
	if err != nil {
		return nil, err
	}
	e.logger.Info("Bind flow completed",
		"provider", req.Provider,
		"user_id", *state.UserID,
		"binding_id", binding.ID)
	return binding, nil
}

// HandleLogin completes a login flow: the remote identity must already be
// bound to a local account, which is never auto-created. Session tokens are
// minted by the injected SessionMinter.
func (e *Engine) HandleLogin(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if e.minter == nil {
		return nil, NewConfigError("session_minter", "SetSessionMinter must be called before HandleLogin")
	}

	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "HandleLogin", trace.WithAttributes(
		attribute.String(instrumentation.AttrProviderName, req.Provider.String()),
		attribute.String(instrumentation.AttrFlowPurpose, PurposeLogin),
	))
	defer span.End()

	result, err := e.completeLogin(ctx, req)
	e.metrics().RecordLogin(ctx, req.Provider.String(), err)
	e.metrics().RecordFlowDuration(ctx, req.Provider.String(), time.Since(started))
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

func (e *Engine) completeLogin(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if err := e.checkCallbackLimit(ctx, req.Provider, req.ClientIP); err != nil {
		return nil, err
	}
	state, err := e.consumeState(ctx, req.Provider, req.State, req.ClientIP)
	if err != nil {
		return nil, err
	}
	if state.UserID != nil {
		return nil, NewFlowError(ErrorCodeStatePurposeMismatch, "this authorization was started as a bind, not a login")
	}

	_, provider, err := e.providerFor(ctx, req.Provider)
	if err != nil {
		return nil, e.wrapProviderLookup(req.Provider, err)
	}

	bundle, profile, err := e.exchangeAndFetch(ctx, provider, req.Code)
	if err != nil {
		return nil, err
	}

	binding, err := e.resolve(ctx, nil, req.Provider, profile, bundle, req.ClientIP)
	if err != nil {
		var fe *FlowError
		if errors.As(err, &fe) {
			switch fe.Code {
			case ErrorCodeAccountNotBound:
				e.Auditor.LogLoginDenied(req.Provider.String(), profile.ID, req.ClientIP, "account_not_bound")
			case ErrorCodeBindingDisabled:
				e.Auditor.LogLoginDenied(req.Provider.String(), profile.ID, req.ClientIP, "binding_disabled")
			}
		}
		return nil, err
	}

	session, err := e.minter.MintSession(ctx, binding.UserID, binding)
	if err != nil {
		e.logger.Error("Session minting failed",
			"provider", req.Provider, "user_id", binding.UserID, "error", err)
		return nil, WrapFlowError(ErrorCodeServerError, "could not establish a session", err)
	}

	e.logger.Info("Login flow completed",
		"provider", req.Provider,
		"user_id", binding.UserID)
	return &LoginResult{
		UserID:  binding.UserID,
		Binding: binding,
		Session: session,
		Payload: state.Payload,
	}, nil
}

// checkIssuanceLimits enforces the two rolling-window limits independently.
func (e *Engine) checkIssuanceLimits(ctx context.Context, req BeginRequest) error {
	limits := e.config.RateLimit
	window := e.clock.Now().Add(-limits.Window)

	if req.UserID != nil && limits.MaxPerUser > 0 {
		key := storage.UserIssuanceKey(*req.UserID)
		if e.userGuard != nil && !e.userGuard.Allow(req.Provider.String()+"|"+key) {
			return e.rateLimited(ctx, req, "user", limits.MaxPerUser)
		}
		n, err := e.states.CountRecentStates(ctx, key, req.Provider, window)
		if err != nil {
			return WrapFlowError(ErrorCodeServerError, "could not start the authorization flow", err)
		}
		if n >= limits.MaxPerUser {
			return e.rateLimited(ctx, req, "user", limits.MaxPerUser)
		}
	}

	if req.ClientIP != "" && limits.MaxPerIP > 0 {
		key := storage.IPIssuanceKey(req.ClientIP)
		if e.ipGuard != nil && !e.ipGuard.Allow(req.Provider.String()+"|"+key) {
			return e.rateLimited(ctx, req, "ip", limits.MaxPerIP)
		}
		n, err := e.states.CountRecentStates(ctx, key, req.Provider, window)
		if err != nil {
			return WrapFlowError(ErrorCodeServerError, "could not start the authorization flow", err)
		}
		if n >= limits.MaxPerIP {
			return e.rateLimited(ctx, req, "ip", limits.MaxPerIP)
		}
	}

	return nil
}

// checkCallbackLimit throttles completion attempts per (provider, client IP).
// The callback path deserves its own guard: an attacker replaying stolen
// state and code pairs never touches the issuance limits.
func (e *Engine) checkCallbackLimit(ctx context.Context, provider storage.ProviderID, clientIP string) error {
	if e.callbackGuard == nil || clientIP == "" {
		return nil
	}
	if e.callbackGuard.Allow(provider.String() + "|" + clientIP) {
		return nil
	}
	e.Auditor.LogRateLimitExceeded(provider.String(), clientIP, 0)
	e.metrics().RecordRateLimitViolation(ctx, "callback")
	return &RateLimitError{Provider: provider.String(), Scope: "callback", Limit: e.config.RateLimit.CallbackPerSecond}
}

func (e *Engine) rateLimited(ctx context.Context, req BeginRequest, scope string, limit int) error {
	e.Auditor.LogRateLimitExceeded(req.Provider.String(), req.ClientIP, derefUserID(req.UserID))
	e.metrics().RecordRateLimitViolation(ctx, scope)
	return &RateLimitError{Provider: req.Provider.String(), Scope: scope, Limit: limit}
}

// consumeState atomically consumes the state token, translating storage
// sentinels into flow errors. A replayed token is a security signal.
func (e *Engine) consumeState(ctx context.Context, provider storage.ProviderID, token, clientIP string) (*storage.AuthState, error) {
	if !security.IsValidStateToken(token) {
		return nil, NewFlowError(ErrorCodeStateNotFound, "authorization state is missing or malformed")
	}

	state, err := e.states.ConsumeState(ctx, token, provider)
	if err == nil {
		e.metrics().RecordStateConsumed(ctx, provider.String())
		return state, nil
	}

	se := &StateError{Provider: provider.String(), Err: err}
	switch {
	case errors.Is(err, storage.ErrStateConsumed):
		se.Reason = "already used"
		e.Auditor.LogStateReplay(provider.String(), clientIP)
		e.metrics().RecordStateReplay(ctx, provider.String())
		return nil, WrapFlowError(ErrorCodeStateConsumed, "this authorization was already completed", se)
	case errors.Is(err, storage.ErrStateExpired):
		se.Reason = "expired"
		return nil, WrapFlowError(ErrorCodeStateExpired, "the authorization attempt expired; start again", se)
	case errors.Is(err, storage.ErrStateNotFound):
		se.Reason = "not found"
		return nil, WrapFlowError(ErrorCodeStateNotFound, "authorization state is missing or malformed", se)
	default:
		return nil, WrapFlowError(ErrorCodeServerError, "could not verify the authorization state", err)
	}
}

// exchangeAndFetch runs the two provider network calls of a callback. A
// token obtained but profile fetch failed is a failure, never a partial
// success. No store lock is held here.
func (e *Engine) exchangeAndFetch(ctx context.Context, p providers.Provider, code string) (*providers.TokenBundle, *providers.Profile, error) {
	id := p.ID().String()

	start := time.Now()
	bundle, err := p.ExchangeCode(ctx, code)
	e.metrics().RecordProviderAPICall(ctx, id, "exchange_code", time.Since(start), err)
	if err != nil {
		e.logger.Warn("Code exchange failed", "provider", id, "error", err)
		return nil, nil, WrapFlowError(ErrorCodeExchangeFailed, "the provider rejected the authorization code", err)
	}

	start = time.Now()
	profile, err := p.FetchProfile(ctx, bundle)
	e.metrics().RecordProviderAPICall(ctx, id, "fetch_profile", time.Since(start), err)
	if err != nil {
		e.logger.Warn("Profile fetch failed", "provider", id, "error", err)
		return nil, nil, WrapFlowError(ErrorCodeProfileFailed, "could not fetch the remote profile", err)
	}

	return bundle, profile, nil
}

// wrapProviderLookup maps config store and factory failures to flow errors.
func (e *Engine) wrapProviderLookup(id storage.ProviderID, err error) error {
	switch {
	case errors.Is(err, storage.ErrConfigNotFound):
		return ErrProviderDisabled(id.String())
	case errors.Is(err, providers.ErrUnknownProvider):
		return WrapFlowError(ErrorCodeUnknownProvider, "unknown provider "+id.String(), err)
	default:
		e.logger.Error("Provider construction failed", "provider", id, "error", err)
		return WrapFlowError(ErrorCodeServerError, "provider is unavailable", err)
	}
}

func copyUserID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func derefUserID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

func statePrefix(token string) string {
	return util.SafeTruncate(token, 8)
}
