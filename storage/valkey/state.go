package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/unioauth/unioauth/storage"
)

// authStateJSON is the wire representation of a stored auth state.
// Timestamps are Unix seconds so the consume script can compare them.
type authStateJSON struct {
	State     string `json:"state"`
	Provider  string `json:"provider"`
	UserID    *int64 `json:"user_id,omitempty"`
	Payload   string `json:"payload,omitempty"`
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	Status    string `json:"status"`
}

func toAuthStateJSON(state *storage.AuthState) *authStateJSON {
	return &authStateJSON{
		State:     state.State,
		Provider:  string(state.Provider),
		UserID:    state.UserID,
		Payload:   state.Payload,
		ClientIP:  state.ClientIP,
		UserAgent: state.UserAgent,
		CreatedAt: state.CreatedAt.Unix(),
		ExpiresAt: state.ExpiresAt.Unix(),
		Status:    string(state.Status),
	}
}

func fromAuthStateJSON(j *authStateJSON) *storage.AuthState {
	return &storage.AuthState{
		State:     j.State,
		Provider:  storage.ProviderID(j.Provider),
		UserID:    j.UserID,
		Payload:   j.Payload,
		ClientIP:  j.ClientIP,
		UserAgent: j.UserAgent,
		CreatedAt: time.Unix(j.CreatedAt, 0).UTC(),
		ExpiresAt: time.Unix(j.ExpiresAt, 0).UTC(),
		Status:    storage.StateStatus(j.Status),
	}
}

// SaveState persists a freshly issued state and records it on the issuance
// timelines of its IP- and user-scoped keys.
func (s *Store) SaveState(ctx context.Context, state *storage.AuthState) error {
	if state == nil || state.State == "" {
		return fmt.Errorf("invalid state")
	}
	if !state.Provider.Valid() {
		return fmt.Errorf("unknown provider %q", state.Provider)
	}

	stored := *state
	if stored.Status == "" {
		stored.Status = storage.StateValid
	}

	data, err := json.Marshal(toAuthStateJSON(&stored))
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Keep the key around past expiry so replays of expired states are
	// still distinguishable from unknown states.
	ttl := stored.ExpiresAt.Sub(s.clock.Now()) + s.retention
	if ttl <= 0 {
		ttl = s.retention
	}

	key := s.stateKey(stored.Provider, stored.State)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	for _, issuanceKey := range stored.IssuanceKeys() {
		if err := s.recordIssuance(ctx, stored.Provider, issuanceKey, &stored); err != nil {
			return err
		}
	}

	s.logger.Debug("Saved authorization state", "provider", stored.Provider)
	return nil
}

// recordIssuance appends the state to the issuance timeline of one key.
// Timelines are sorted sets scored by issuance time.
func (s *Store) recordIssuance(ctx context.Context, provider storage.ProviderID, key string, state *storage.AuthState) error {
	zkey := s.issuanceKey(provider, key)
	score := float64(state.CreatedAt.Unix())

	if err := s.client.Do(ctx,
		s.client.B().Zadd().Key(zkey).ScoreMember().ScoreMember(score, state.State).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to record issuance: %w", err)
	}

	// Drop entries older than the retention horizon and bound the key's
	// lifetime so idle timelines vanish on their own.
	cutoff := strconv.FormatInt(s.clock.Now().Add(-s.retention).Unix(), 10)
	if err := s.client.Do(ctx,
		s.client.B().Zremrangebyscore().Key(zkey).Min("-inf").Max(cutoff).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to trim issuance timeline: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(zkey).Seconds(int64(s.retention.Seconds())).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to expire issuance timeline: %w", err)
	}
	return nil
}

// luaConsumeState atomically looks up a state and transitions it
// Valid->Used. Only ONE of several concurrent callers racing on the same
// state can succeed; the rest observe the terminal status.
//
// KEYS[1] = state key (e.g., "unioauth:state:github:abc123")
// ARGV[1] = current Unix timestamp in seconds
//
// Returns:
//   - JSON of the consumed state on success (status already "used")
//   - "NOT_FOUND" if the key doesn't exist
//   - "CONSUMED" if the state was already used (replay)
//   - "EXPIRED" if the state is expired; a Valid state past its expiry is
//     transitioned to Expired in place, keeping the key's TTL
const luaConsumeState = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local state = cjson.decode(data)

if state.status == 'used' then
    return 'CONSUMED'
end
if state.status == 'expired' then
    return 'EXPIRED'
end

local now = tonumber(ARGV[1])
local expiresAt = tonumber(state.expires_at)
if expiresAt and now > expiresAt then
    state.status = 'expired'
    redis.call('SET', KEYS[1], cjson.encode(state), 'KEEPTTL')
    return 'EXPIRED'
end

state.status = 'used'
redis.call('SET', KEYS[1], cjson.encode(state), 'KEEPTTL')

return cjson.encode(state)
`

// ConsumeState atomically transitions a Valid state to Used via a Lua
// script, so of two concurrent callbacks racing on the same state exactly
// one succeeds.
func (s *Store) ConsumeState(ctx context.Context, state string, provider storage.ProviderID) (*storage.AuthState, error) {
	key := s.stateKey(provider, state)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeState).
			Numkeys(1).
			Key(key).
			Arg(strconv.FormatInt(s.clock.Now().Unix(), 10)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic state consumption: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrStateNotFound
	case "CONSUMED":
		return nil, storage.ErrStateConsumed
	case "EXPIRED":
		return nil, storage.ErrStateExpired
	}

	var j authStateJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse consumed state: %w", err)
	}

	s.logger.Debug("Consumed authorization state", "provider", provider)
	return fromAuthStateJSON(&j), nil
}

// CountRecentStates counts states issued under the key since the given
// instant by ranging over the issuance timeline.
func (s *Store) CountRecentStates(ctx context.Context, key string, provider storage.ProviderID, since time.Time) (int, error) {
	zkey := s.issuanceKey(provider, key)
	min := strconv.FormatInt(since.Unix(), 10)

	count, err := s.client.Do(ctx,
		s.client.B().Zcount().Key(zkey).Min(min).Max("+inf").Build(),
	).AsInt64()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count recent states: %w", err)
	}
	return int(count), nil
}

// SweepStates marks stale Valid states Expired and hard-deletes terminal
// states whose expiry predates deleteBefore. TTLs already cap every key's
// lifetime; the sweep only tightens bookkeeping for metrics and audits.
func (s *Store) SweepStates(ctx context.Context, now, deleteBefore time.Time) (int, int, error) {
	pattern := s.prefix + "state:*"
	expired, deleted := 0, 0

	var cursor uint64
	for {
		scan, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return expired, deleted, fmt.Errorf("failed to scan states: %w", err)
		}

		for _, key := range scan.Elements {
			e, d, err := s.sweepKey(ctx, key, now, deleteBefore)
			if err != nil {
				return expired, deleted, err
			}
			expired += e
			deleted += d
		}

		cursor = scan.Cursor
		if cursor == 0 {
			break
		}
	}

	if expired > 0 || deleted > 0 {
		s.logger.Debug("Swept authorization states", "expired", expired, "deleted", deleted)
	}
	return expired, deleted, nil
}

func (s *Store) sweepKey(ctx context.Context, key string, now, deleteBefore time.Time) (int, int, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			// Evicted between SCAN and GET.
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to read state %s: %w", key, err)
	}

	var j authStateJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		// Unparseable entries are dropped rather than kept forever.
		s.logger.Warn("Deleting unparseable state entry", "key", key, "error", err)
		if derr := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); derr != nil {
			return 0, 0, fmt.Errorf("failed to delete state %s: %w", key, derr)
		}
		return 0, 1, nil
	}

	expiresAt := time.Unix(j.ExpiresAt, 0)
	status := storage.StateStatus(j.Status)

	if status == storage.StateValid && now.After(expiresAt) {
		j.Status = string(storage.StateExpired)
		updated, merr := json.Marshal(&j)
		if merr != nil {
			return 0, 0, fmt.Errorf("failed to marshal state %s: %w", key, merr)
		}
		if err := s.client.Do(ctx,
			s.client.B().Set().Key(key).Value(string(updated)).Keepttl().Build(),
		).Error(); err != nil {
			return 0, 0, fmt.Errorf("failed to expire state %s: %w", key, err)
		}
		return 1, 0, nil
	}

	if status != storage.StateValid && expiresAt.Before(deleteBefore) {
		if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
			return 0, 0, fmt.Errorf("failed to delete state %s: %w", key, err)
		}
		return 0, 1, nil
	}

	return 0, 0, nil
}

// stateKeyParts splits a full state key back into provider and state value.
// Used by tests and diagnostics.
func (s *Store) stateKeyParts(key string) (storage.ProviderID, string, bool) {
	rest, ok := strings.CutPrefix(key, s.prefix+"state:")
	if !ok {
		return "", "", false
	}
	provider, state, ok := strings.Cut(rest, ":")
	if !ok {
		return "", "", false
	}
	return storage.ProviderID(provider), state, true
}
