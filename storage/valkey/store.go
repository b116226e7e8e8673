package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/unioauth/unioauth/security"
	"github.com/unioauth/unioauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "unioauth:"

	// DefaultStateRetention is how long terminal states are kept after
	// their expiry for replay forensics. Matches the engine's retention
	// default so key TTLs outlive the sweep horizon.
	DefaultStateRetention = 30 * 24 * time.Hour

	// scanBatchSize is the number of keys to fetch per SCAN iteration.
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification.
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "unioauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// StateRetention is how long terminal states are kept after expiry.
	// Keep this at or above the engine's StateRetention: keys TTL out on
	// their own here, and a shorter value hides terminal states from the
	// sweep before it counts them. Default: 30 days
	StateRetention time.Duration

	// Clock overrides the time source. Intended for tests.
	Clock security.Clock
}

// Store is a Valkey-backed implementation of storage.StateStore. State
// tokens are short-lived and fit Valkey's TTL model; durable binding and
// config data belongs to the Postgres backend.
type Store struct {
	client    valkeygo.Client
	prefix    string
	retention time.Duration
	clock     security.Clock
	logger    *slog.Logger
}

var _ storage.StateStore = (*Store)(nil)

// New creates a new Valkey-backed store.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.StateRetention
	if retention <= 0 {
		retention = DefaultStateRetention
	}

	clock := cfg.Clock
	if clock == nil {
		clock = security.SystemClock{}
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:    client,
		prefix:    prefix,
		retention: retention,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// stateKey builds the key of a stored auth state. State values are unique
// per (state, provider) pair, so both are part of the key.
func (s *Store) stateKey(provider storage.ProviderID, state string) string {
	return fmt.Sprintf("%sstate:%s:%s", s.prefix, provider, state)
}

// issuanceKey builds the key of the per-key issuance timeline.
func (s *Store) issuanceKey(provider storage.ProviderID, key string) string {
	return fmt.Sprintf("%sissued:%s:%s", s.prefix, provider, key)
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
