package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/unioauth/unioauth/storage"
)

const configColumns = `
	identifier, display_name, client_id, client_secret, redirect_uri,
	scopes, extra, enabled, status, sort_order, created_at, updated_at
`

func scanConfig(row pgx.Row) (*storage.ProviderConfig, error) {
	var c storage.ProviderConfig
	err := row.Scan(
		&c.Identifier, &c.DisplayName, &c.ClientID, &c.ClientSecret, &c.RedirectURI,
		&c.Scopes, &c.Extra, &c.Enabled, &c.Status, &c.SortOrder, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetEnabled returns the active, enabled config for the provider.
func (s *Store) GetEnabled(ctx context.Context, id storage.ProviderID) (*storage.ProviderConfig, error) {
	query := `SELECT ` + configColumns + `
		FROM oauth_provider_configs
		WHERE identifier = $1 AND enabled AND status = 'active'`

	cfg, err := scanConfig(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider config: %w", err)
	}
	return cfg, nil
}

// ListEnabled returns all active, enabled configs ordered by sort order.
func (s *Store) ListEnabled(ctx context.Context) ([]*storage.ProviderConfig, error) {
	query := `SELECT ` + configColumns + `
		FROM oauth_provider_configs
		WHERE enabled AND status = 'active'
		ORDER BY sort_order, identifier`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider configs: %w", err)
	}
	defer rows.Close()

	var out []*storage.ProviderConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// UpsertConfig stores or replaces a provider configuration. This is the
// write path used by seeding and admin tooling.
func (s *Store) UpsertConfig(ctx context.Context, cfg *storage.ProviderConfig) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if !cfg.Identifier.Valid() {
		return fmt.Errorf("unknown provider %q", cfg.Identifier)
	}

	status := cfg.Status
	if status == "" {
		status = storage.ConfigActive
	}

	const query = `
		INSERT INTO oauth_provider_configs
			(identifier, display_name, client_id, client_secret, redirect_uri,
			 scopes, extra, enabled, status, sort_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (identifier) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			client_id = EXCLUDED.client_id,
			client_secret = EXCLUDED.client_secret,
			redirect_uri = EXCLUDED.redirect_uri,
			scopes = EXCLUDED.scopes,
			extra = EXCLUDED.extra,
			enabled = EXCLUDED.enabled,
			status = EXCLUDED.status,
			sort_order = EXCLUDED.sort_order,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		cfg.Identifier, cfg.DisplayName, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURI,
		cfg.Scopes, cfg.Extra, cfg.Enabled, status, cfg.SortOrder,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert provider config: %w", err)
	}
	return nil
}
