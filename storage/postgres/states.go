package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/unioauth/unioauth/storage"
)

// SaveState persists a freshly issued state in Valid status.
func (s *Store) SaveState(ctx context.Context, state *storage.AuthState) error {
	if state == nil || state.State == "" {
		return fmt.Errorf("invalid state")
	}
	if !state.Provider.Valid() {
		return fmt.Errorf("unknown provider %q", state.Provider)
	}

	status := state.Status
	if status == "" {
		status = storage.StateValid
	}

	const query = `
		INSERT INTO oauth_auth_states
			(state, provider, user_id, payload, client_ip, user_agent, created_at, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (state, provider) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query,
		state.State, state.Provider, state.UserID, state.Payload,
		state.ClientIP, state.UserAgent, state.CreatedAt, state.ExpiresAt, status,
	)
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// State values carry 256 bits of entropy; a collision means the
		// caller reused one.
		return fmt.Errorf("state already exists")
	}
	return nil
}

// ConsumeState atomically transitions a Valid state to Used with a
// conditional UPDATE, so of two concurrent callbacks racing on the same
// state exactly one succeeds.
func (s *Store) ConsumeState(ctx context.Context, state string, provider storage.ProviderID) (*storage.AuthState, error) {
	now := s.clock.Now()

	const consume = `
		UPDATE oauth_auth_states
		SET status = 'used'
		WHERE state = $1 AND provider = $2 AND status = 'valid' AND expires_at > $3
		RETURNING state, provider, user_id, payload, client_ip, user_agent, created_at, expires_at, status
	`
	var out storage.AuthState
	err := s.pool.QueryRow(ctx, consume, state, provider, now).Scan(
		&out.State, &out.Provider, &out.UserID, &out.Payload,
		&out.ClientIP, &out.UserAgent, &out.CreatedAt, &out.ExpiresAt, &out.Status,
	)
	if err == nil {
		return &out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to consume state: %w", err)
	}

	// The conditional update missed; classify why.
	const classify = `
		SELECT status, expires_at FROM oauth_auth_states
		WHERE state = $1 AND provider = $2
	`
	var status storage.StateStatus
	var expiresAt time.Time
	err = s.pool.QueryRow(ctx, classify, state, provider).Scan(&status, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to classify state: %w", err)
	}

	switch status {
	case storage.StateUsed:
		return nil, storage.ErrStateConsumed
	case storage.StateExpired:
		return nil, storage.ErrStateExpired
	}

	// Still Valid in the table but past expiry; mark it terminal.
	const expire = `
		UPDATE oauth_auth_states SET status = 'expired'
		WHERE state = $1 AND provider = $2 AND status = 'valid'
	`
	if _, uerr := s.pool.Exec(ctx, expire, state, provider); uerr != nil {
		s.logger.Warn("Failed to mark state expired", "error", uerr)
	}
	return nil, storage.ErrStateExpired
}

// CountRecentStates counts states issued under the key since the given
// instant. The key is matched against the IP- and user-scoped keys derived
// from each row.
func (s *Store) CountRecentStates(ctx context.Context, key string, provider storage.ProviderID, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*) FROM oauth_auth_states
		WHERE provider = $1
		  AND created_at >= $2
		  AND ('ip:' || client_ip = $3
		       OR (user_id IS NOT NULL AND 'user:' || user_id::text = $3))
	`
	var count int
	if err := s.pool.QueryRow(ctx, query, provider, since, key).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count recent states: %w", err)
	}
	return count, nil
}

// SweepStates marks stale Valid rows Expired and hard-deletes terminal rows
// older than the retention cutoff.
func (s *Store) SweepStates(ctx context.Context, now, deleteBefore time.Time) (int, int, error) {
	const expire = `
		UPDATE oauth_auth_states SET status = 'expired'
		WHERE status = 'valid' AND expires_at < $1
	`
	expireTag, err := s.pool.Exec(ctx, expire, now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to expire states: %w", err)
	}

	const purge = `
		DELETE FROM oauth_auth_states
		WHERE status <> 'valid' AND expires_at < $1
	`
	purgeTag, err := s.pool.Exec(ctx, purge, deleteBefore)
	if err != nil {
		return int(expireTag.RowsAffected()), 0, fmt.Errorf("failed to purge states: %w", err)
	}

	expired := int(expireTag.RowsAffected())
	deleted := int(purgeTag.RowsAffected())
	if expired > 0 || deleted > 0 {
		s.logger.Debug("Swept authorization states", "expired", expired, "deleted", deleted)
	}
	return expired, deleted, nil
}
