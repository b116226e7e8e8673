package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/unioauth/unioauth/storage"
)

const bindingColumns = `
	id, user_id, provider, remote_user_id, remote_username, display_name,
	email, avatar_url, raw_profile, access_token, refresh_token, token_expiry,
	status, last_login_at, last_login_ip, created_at, updated_at
`

// scanBinding reads one binding row and decrypts its tokens.
func (s *Store) scanBinding(row pgx.Row) (*storage.Binding, error) {
	var b storage.Binding
	var tokenExpiry, lastLoginAt *time.Time

	err := row.Scan(
		&b.ID, &b.UserID, &b.Provider, &b.RemoteUserID, &b.RemoteUsername, &b.DisplayName,
		&b.Email, &b.AvatarURL, &b.RawProfile, &b.AccessToken, &b.RefreshToken, &tokenExpiry,
		&b.Status, &lastLoginAt, &b.LastLoginIP, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if tokenExpiry != nil {
		b.TokenExpiry = *tokenExpiry
	}
	if lastLoginAt != nil {
		b.LastLoginAt = *lastLoginAt
	}

	return s.decryptBinding(&b)
}

// GetByRemote looks up a binding by (provider, remote user id).
func (s *Store) GetByRemote(ctx context.Context, provider storage.ProviderID, remoteUserID string) (*storage.Binding, error) {
	query := `SELECT ` + bindingColumns + `
		FROM oauth_bindings WHERE provider = $1 AND remote_user_id = $2`

	b, err := s.scanBinding(s.pool.QueryRow(ctx, query, provider, remoteUserID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrBindingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding by remote identity: %w", err)
	}
	return b, nil
}

// GetByUser looks up a binding by (user, provider).
func (s *Store) GetByUser(ctx context.Context, userID int64, provider storage.ProviderID) (*storage.Binding, error) {
	query := `SELECT ` + bindingColumns + `
		FROM oauth_bindings WHERE user_id = $1 AND provider = $2`

	b, err := s.scanBinding(s.pool.QueryRow(ctx, query, userID, provider))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrBindingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding by user: %w", err)
	}
	return b, nil
}

// ListByUser returns all bindings of a user ordered by provider.
func (s *Store) ListByUser(ctx context.Context, userID int64) ([]*storage.Binding, error) {
	query := `SELECT ` + bindingColumns + `
		FROM oauth_bindings WHERE user_id = $1 ORDER BY provider`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	defer rows.Close()

	var out []*storage.Binding
	for rows.Next() {
		b, err := s.scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListRefreshable returns Normal bindings holding a refresh token whose
// access token expires before the deadline, soonest expiry first.
func (s *Store) ListRefreshable(ctx context.Context, expiringBefore time.Time) ([]*storage.Binding, error) {
	query := `SELECT ` + bindingColumns + `
		FROM oauth_bindings
		WHERE status = 'normal'
		  AND refresh_token <> ''
		  AND token_expiry IS NOT NULL
		  AND token_expiry < $1
		ORDER BY token_expiry`

	rows, err := s.pool.Query(ctx, query, expiringBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list refreshable bindings: %w", err)
	}
	defer rows.Close()

	var out []*storage.Binding
	for rows.Next() {
		b, err := s.scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Insert creates a new binding. The database's unique constraints enforce
// both invariants; a violation of either surfaces as ErrBindingConflict.
func (s *Store) Insert(ctx context.Context, b *storage.Binding) error {
	if b == nil {
		return fmt.Errorf("binding cannot be nil")
	}
	if !b.Provider.Valid() {
		return fmt.Errorf("unknown provider %q", b.Provider)
	}
	if b.RemoteUserID == "" {
		return fmt.Errorf("remote user id cannot be empty")
	}

	stored, err := s.encryptBinding(b)
	if err != nil {
		return err
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := s.clock.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	const query = `
		INSERT INTO oauth_bindings
			(id, user_id, provider, remote_user_id, remote_username, display_name,
			 email, avatar_url, raw_profile, access_token, refresh_token, token_expiry,
			 status, last_login_at, last_login_ip, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err = s.pool.Exec(ctx, query,
		stored.ID, stored.UserID, stored.Provider, stored.RemoteUserID,
		stored.RemoteUsername, stored.DisplayName, stored.Email, stored.AvatarURL,
		stored.RawProfile, stored.AccessToken, stored.RefreshToken,
		nullableTime(stored.TokenExpiry), stored.Status,
		nullableTime(stored.LastLoginAt), stored.LastLoginIP,
		stored.CreatedAt, stored.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrBindingConflict
		}
		return fmt.Errorf("failed to insert binding: %w", err)
	}

	b.ID = stored.ID
	b.CreatedAt = stored.CreatedAt
	b.UpdatedAt = stored.UpdatedAt

	s.logger.Debug("Created binding", "provider", stored.Provider, "user_id", stored.UserID)
	return nil
}

// Update overwrites the mutable fields of an existing binding. The owner,
// provider, and remote identity never change.
func (s *Store) Update(ctx context.Context, b *storage.Binding) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("binding id cannot be empty")
	}

	stored, err := s.encryptBinding(b)
	if err != nil {
		return err
	}

	const query = `
		UPDATE oauth_bindings SET
			remote_username = $2, display_name = $3, email = $4, avatar_url = $5,
			raw_profile = $6, access_token = $7, refresh_token = $8, token_expiry = $9,
			status = $10, last_login_at = $11, last_login_ip = $12, updated_at = $13
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query,
		stored.ID, stored.RemoteUsername, stored.DisplayName, stored.Email,
		stored.AvatarURL, stored.RawProfile, stored.AccessToken, stored.RefreshToken,
		nullableTime(stored.TokenExpiry), stored.Status,
		nullableTime(stored.LastLoginAt), stored.LastLoginIP, s.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrBindingNotFound
	}
	return nil
}

// DeleteByUser removes the binding of (user, provider).
func (s *Store) DeleteByUser(ctx context.Context, userID int64, provider storage.ProviderID) error {
	const query = `DELETE FROM oauth_bindings WHERE user_id = $1 AND provider = $2`

	tag, err := s.pool.Exec(ctx, query, userID, provider)
	if err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrBindingNotFound
	}
	return nil
}

// DeleteByID removes a binding by id. Missing rows are not an error.
func (s *Store) DeleteByID(ctx context.Context, id string) error {
	const query = `DELETE FROM oauth_bindings WHERE id = $1`

	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	return nil
}

// nullableTime maps the zero time to NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// encryptBinding returns a copy with provider tokens encrypted, leaving
// the original unchanged.
func (s *Store) encryptBinding(b *storage.Binding) (*storage.Binding, error) {
	out := *b
	if s.encryptor == nil || !s.encryptor.IsEnabled() {
		return &out, nil
	}

	if out.AccessToken != "" {
		enc, err := s.encryptor.Encrypt(out.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt access token: %w", err)
		}
		out.AccessToken = enc
	}
	if out.RefreshToken != "" {
		enc, err := s.encryptor.Encrypt(out.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		out.RefreshToken = enc
	}
	return &out, nil
}

// decryptBinding decrypts provider tokens in place on a freshly scanned
// binding.
func (s *Store) decryptBinding(b *storage.Binding) (*storage.Binding, error) {
	if s.encryptor == nil || !s.encryptor.IsEnabled() {
		return b, nil
	}

	if b.AccessToken != "" {
		dec, err := s.encryptor.Decrypt(b.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
		b.AccessToken = dec
	}
	if b.RefreshToken != "" {
		dec, err := s.encryptor.Decrypt(b.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		b.RefreshToken = dec
	}
	return b, nil
}
