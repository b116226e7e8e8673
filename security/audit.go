package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"time"
)

// Auditor handles security event logging with PII protection. Remote
// identity ids are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event.
type Event struct {
	Type         string
	Provider     string
	UserID       int64
	RemoteUserID string
	IPAddress    string
	Details      map[string]any
	Timestamp    time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	userID := ""
	if event.UserID != 0 {
		userID = strconv.FormatInt(event.UserID, 10)
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"provider", event.Provider,
		"user_id", userID,
		"remote_user_hash", hashForLogging(event.RemoteUserID),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogStateIssued logs when a state token is issued.
func (a *Auditor) LogStateIssued(provider string, userID int64, ipAddress, purpose string) {
	a.LogEvent(Event{
		Type:      EventStateIssued,
		Provider:  provider,
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"purpose": purpose,
		},
	})
}

// LogStateReplay logs a replay of an already-consumed state token.
func (a *Auditor) LogStateReplay(provider, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventStateReplayDetected,
		Provider:  provider,
		IPAddress: ipAddress,
	})
}

// LogBindingCreated logs a successful binding of a remote identity.
func (a *Auditor) LogBindingCreated(provider string, userID int64, remoteUserID, ipAddress string) {
	a.LogEvent(Event{
		Type:         EventBindingCreated,
		Provider:     provider,
		UserID:       userID,
		RemoteUserID: remoteUserID,
		IPAddress:    ipAddress,
	})
}

// LogBindingConflict logs a bind attempt against an identity already owned
// by another user.
func (a *Auditor) LogBindingConflict(provider string, userID int64, remoteUserID, ipAddress string) {
	a.LogEvent(Event{
		Type:         EventBindingConflict,
		Provider:     provider,
		UserID:       userID,
		RemoteUserID: remoteUserID,
		IPAddress:    ipAddress,
	})
}

// LogLoginDenied logs a denied delegated login.
func (a *Auditor) LogLoginDenied(provider, remoteUserID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:         EventLoginDeniedUnbound,
		Provider:     provider,
		RemoteUserID: remoteUserID,
		IPAddress:    ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRefreshFailed logs a failed provider token refresh.
func (a *Auditor) LogRefreshFailed(provider string, userID int64, reason string) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshFailed,
		Provider: provider,
		UserID:   userID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(provider, ipAddress string, userID int64) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		Provider:  provider,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a truncated SHA256 hash of sensitive data for
// logging.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
