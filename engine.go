package unioauth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/unioauth/unioauth/instrumentation"
	"github.com/unioauth/unioauth/providers"
	"github.com/unioauth/unioauth/security"
	"github.com/unioauth/unioauth/storage"
)

// SessionMinter turns a successful login into application session tokens.
// The engine never mints sessions itself: what a session looks like belongs
// to the embedding application.
type SessionMinter interface {
	MintSession(ctx context.Context, userID int64, binding *storage.Binding) (*Session, error)
}

// Session is whatever the SessionMinter produced, passed through verbatim.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Extra        map[string]string
}

// clockSetter is implemented by stores that accept an injected clock.
type clockSetter interface {
	SetClock(clock security.Clock)
}

// encryptorSetter is implemented by stores that encrypt tokens at rest.
type encryptorSetter interface {
	SetEncryptor(enc *security.Encryptor)
}

// instrumentationSetter is implemented by stores that report telemetry.
type instrumentationSetter interface {
	SetInstrumentation(inst *instrumentation.Instrumentation)
}

// Engine orchestrates the delegated login flows. Construct with New; the
// zero value is not usable. All methods are safe for concurrent use.
type Engine struct {
	// Auditor receives PII-hashed security events. Replaceable before the
	// engine starts serving flows.
	Auditor *security.Auditor

	config    Config
	states    storage.StateStore
	bindings  storage.BindingStore
	configs   storage.ConfigStore
	logger    *slog.Logger
	clock     security.Clock
	encryptor *security.Encryptor
	inst      *instrumentation.Instrumentation
	tracer    trace.Tracer
	minter    SessionMinter

	// userGuard and ipGuard are the in-process issuance pre-filters.
	// Nil when RateLimit.DisableLocalGuard is set.
	userGuard *security.IssuanceLimiter
	ipGuard   *security.IssuanceLimiter

	// callbackGuard throttles completion attempts per (provider, client IP).
	// Nil when RateLimit.DisableLocalGuard is set.
	callbackGuard *security.RateLimiter

	// buildProvider constructs the adapter for an enabled configuration.
	// Overridable for tests via SetProviderFactory.
	buildProvider func(cfg *storage.ProviderConfig) (providers.Provider, error)

	closeOnce sync.Once
}

// New creates an engine over the given stores. The config store is read-only
// from the engine's point of view; writes belong to the admin surface.
func New(cfg Config, states storage.StateStore, bindings storage.BindingStore, configs storage.ConfigStore) (*Engine, error) {
	if states == nil {
		return nil, NewConfigError("states", "state store is required")
	}
	if bindings == nil {
		return nil, NewConfigError("bindings", "binding store is required")
	}
	if configs == nil {
		return nil, NewConfigError("configs", "config store is required")
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		config:   cfg,
		states:   states,
		bindings: bindings,
		configs:  configs,
		logger:   cfg.Logger,
		clock:    security.SystemClock{},
		tracer:   tracenoop.NewTracerProvider().Tracer("unioauth"),
	}
	e.Auditor = security.NewAuditor(cfg.Logger, cfg.Security.EnableAuditLogging)

	if len(cfg.Security.EncryptionSecret) > 0 {
		enc, err := security.NewEncryptorFromSecret(cfg.Security.EncryptionSecret, cfg.Security.EncryptionSalt)
		if err != nil {
			return nil, NewConfigError("security.encryption_secret", err.Error())
		}
		e.encryptor = enc
		if s, ok := bindings.(encryptorSetter); ok {
			s.SetEncryptor(enc)
		}
	}

	if !cfg.RateLimit.DisableLocalGuard {
		if cfg.RateLimit.MaxPerUser > 0 {
			e.userGuard = security.NewIssuanceLimiterWithConfig(cfg.RateLimit.MaxPerUser, cfg.RateLimit.Window, security.DefaultMaxIssuanceEntries, e.clock, cfg.Logger)
		}
		if cfg.RateLimit.MaxPerIP > 0 {
			e.ipGuard = security.NewIssuanceLimiterWithConfig(cfg.RateLimit.MaxPerIP, cfg.RateLimit.Window, security.DefaultMaxIssuanceEntries, e.clock, cfg.Logger)
		}
		if cfg.RateLimit.CallbackPerSecond > 0 {
			e.callbackGuard = security.NewRateLimiter(cfg.RateLimit.CallbackPerSecond, cfg.RateLimit.CallbackBurst, cfg.Logger)
		}
	}

	opts := providers.Options{HTTPClient: cfg.HTTPClient, RequestTimeout: cfg.ProviderTimeout}
	e.buildProvider = func(pc *storage.ProviderConfig) (providers.Provider, error) {
		return providers.Build(pc, opts)
	}

	return e, nil
}

// SetLogger replaces the logger on the engine and its auditor.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	e.logger = logger
	e.Auditor = security.NewAuditor(logger, e.config.Security.EnableAuditLogging)
}

// SetClock injects a clock for deterministic expiry and window tests. The
// clock is propagated to stores that accept one.
func (e *Engine) SetClock(clock security.Clock) {
	if clock == nil {
		return
	}
	e.clock = clock
	for _, store := range []any{e.states, e.bindings, e.configs} {
		if s, ok := store.(clockSetter); ok {
			s.SetClock(clock)
		}
	}
	if !e.config.RateLimit.DisableLocalGuard {
		if e.userGuard != nil {
			e.userGuard.Stop()
			e.userGuard = security.NewIssuanceLimiterWithConfig(e.config.RateLimit.MaxPerUser, e.config.RateLimit.Window, security.DefaultMaxIssuanceEntries, clock, e.logger)
		}
		if e.ipGuard != nil {
			e.ipGuard.Stop()
			e.ipGuard = security.NewIssuanceLimiterWithConfig(e.config.RateLimit.MaxPerIP, e.config.RateLimit.Window, security.DefaultMaxIssuanceEntries, clock, e.logger)
		}
	}
}

// SetInstrumentation wires OpenTelemetry metrics and tracing. Propagated to
// stores that report storage telemetry.
func (e *Engine) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	e.inst = inst
	e.tracer = inst.Tracer("engine")
	for _, store := range []any{e.states, e.bindings, e.configs} {
		if s, ok := store.(instrumentationSetter); ok {
			s.SetInstrumentation(inst)
		}
	}
}

// SetSessionMinter wires the login session collaborator. Required before
// HandleLogin is called.
func (e *Engine) SetSessionMinter(m SessionMinter) {
	e.minter = m
}

// SetProviderFactory overrides adapter construction, used in tests.
func (e *Engine) SetProviderFactory(f func(cfg *storage.ProviderConfig) (providers.Provider, error)) {
	if f != nil {
		e.buildProvider = f
	}
}

// Encryptor returns the token encryptor, nil when encryption is disabled.
// Exposed so additional stores constructed after New can opt in.
func (e *Engine) Encryptor() *security.Encryptor {
	return e.encryptor
}

// Close releases the engine's background resources. Stores are not closed:
// the engine does not own them.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.userGuard != nil {
			e.userGuard.Stop()
		}
		if e.ipGuard != nil {
			e.ipGuard.Stop()
		}
		if e.callbackGuard != nil {
			e.callbackGuard.Stop()
		}
	})
}

// metrics returns the metric recorder, nil-safe for every Record helper.
func (e *Engine) metrics() *instrumentation.Metrics {
	if e.inst == nil {
		return nil
	}
	return e.inst.Metrics()
}

// providerFor loads the enabled configuration and constructs the adapter.
func (e *Engine) providerFor(ctx context.Context, id storage.ProviderID) (*storage.ProviderConfig, providers.Provider, error) {
	if !id.Valid() {
		return nil, nil, providers.ErrUnknownProvider
	}
	cfg, err := e.configs.GetEnabled(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	p, err := e.buildProvider(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, p, nil
}
