// Package postgres provides a Postgres-backed implementation of all
// storage interfaces. Bindings and provider configs are durable relational
// data with uniqueness invariants the database enforces; states ride along
// so single-datastore deployments need nothing else.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unioauth/unioauth/security"
	"github.com/unioauth/unioauth/storage"
)

const (
	// pgUniqueViolation is the Postgres error code for unique constraint
	// violations.
	pgUniqueViolation = "23505"

	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Postgres storage backend.
type Config struct {
	// DSN is the Postgres connection string (required).
	DSN string

	// MaxConns caps the pool size. Default: pgxpool's default.
	MaxConns int32

	// MinConns keeps idle connections warm.
	MinConns int32

	// MaxConnLifetime bounds connection reuse.
	MaxConnLifetime time.Duration

	// Logger is the optional structured logger (default: slog.Default()).
	Logger *slog.Logger

	// Clock overrides the time source. Intended for tests.
	Clock security.Clock
}

// Store is a Postgres-backed implementation of StateStore, BindingStore,
// and ConfigStore.
type Store struct {
	pool      *pgxpool.Pool
	logger    *slog.Logger
	clock     security.Clock
	encryptor *security.Encryptor
}

var (
	_ storage.StateStore   = (*Store)(nil)
	_ storage.BindingStore = (*Store)(nil)
	_ storage.ConfigStore  = (*Store)(nil)
)

// New creates a new Postgres-backed store and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = security.SystemClock{}
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectionVerifyTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	logger.Info("Connected to Postgres storage", "max_conns", pcfg.MaxConns)

	return &Store{
		pool:   pool,
		logger: logger,
		clock:  clock,
	}, nil
}

// Close closes the underlying pool. Idempotent.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor sets the token encryptor for encryption at rest.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for Postgres storage")
	}
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Schema is the DDL for the tables this store uses. EnsureSchema applies
// it; deployments with their own migration tooling can run it directly.
const Schema = `
CREATE TABLE IF NOT EXISTS oauth_auth_states (
    state       TEXT        NOT NULL,
    provider    TEXT        NOT NULL,
    user_id     BIGINT,
    payload     TEXT        NOT NULL DEFAULT '',
    client_ip   TEXT        NOT NULL DEFAULT '',
    user_agent  TEXT        NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL,
    status      TEXT        NOT NULL DEFAULT 'valid',
    PRIMARY KEY (state, provider)
);

CREATE INDEX IF NOT EXISTS idx_oauth_auth_states_issued
    ON oauth_auth_states (provider, created_at);

CREATE TABLE IF NOT EXISTS oauth_bindings (
    id              UUID        PRIMARY KEY,
    user_id         BIGINT      NOT NULL,
    provider        TEXT        NOT NULL,
    remote_user_id  TEXT        NOT NULL,
    remote_username TEXT        NOT NULL DEFAULT '',
    display_name    TEXT        NOT NULL DEFAULT '',
    email           TEXT        NOT NULL DEFAULT '',
    avatar_url      TEXT        NOT NULL DEFAULT '',
    raw_profile     JSONB,
    access_token    TEXT        NOT NULL DEFAULT '',
    refresh_token   TEXT        NOT NULL DEFAULT '',
    token_expiry    TIMESTAMPTZ,
    status          TEXT        NOT NULL DEFAULT 'normal',
    last_login_at   TIMESTAMPTZ,
    last_login_ip   TEXT        NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL,
    CONSTRAINT uq_oauth_bindings_remote UNIQUE (provider, remote_user_id),
    CONSTRAINT uq_oauth_bindings_user   UNIQUE (user_id, provider)
);

CREATE TABLE IF NOT EXISTS oauth_provider_configs (
    identifier    TEXT        PRIMARY KEY,
    display_name  TEXT        NOT NULL DEFAULT '',
    client_id     TEXT        NOT NULL,
    client_secret TEXT        NOT NULL DEFAULT '',
    redirect_uri  TEXT        NOT NULL DEFAULT '',
    scopes        TEXT[],
    extra         JSONB,
    enabled       BOOLEAN     NOT NULL DEFAULT TRUE,
    status        TEXT        NOT NULL DEFAULT 'active',
    sort_order    INT         NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
