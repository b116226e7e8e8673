package unioauth

import (
	"errors"
	"strings"
	"testing"

	"github.com/unioauth/unioauth/storage"
)

func TestFlowError_Unwrap(t *testing.T) {
	fe := WrapFlowError(ErrorCodeStateConsumed, "already done", storage.ErrStateConsumed)
	if !errors.Is(fe, storage.ErrStateConsumed) {
		t.Error("FlowError does not unwrap to its cause")
	}
	if fe.CorrelationID == "" {
		t.Error("FlowError has no correlation id")
	}
}

func TestFlowError_ConstructorsCarryDetail(t *testing.T) {
	tests := []struct {
		name string
		err  *FlowError
		code string
		want string
	}{
		{"not bound", ErrAccountNotBound("github"), ErrorCodeAccountNotBound, "register or bind"},
		{"conflict", ErrBindingConflict("gitee", 7), ErrorCodeBindingConflict, "bound to user 7"},
		{"disabled provider", ErrProviderDisabled("qq"), ErrorCodeProviderDisabled, "not enabled"},
		{"disabled binding", ErrBindingDisabled("wechat"), ErrorCodeBindingDisabled, "disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if !strings.Contains(tt.err.Description, tt.want) {
				t.Errorf("Description = %q, want mention of %q", tt.err.Description, tt.want)
			}
		})
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"flow error", ErrAccountNotBound("github"), ErrorCodeAccountNotBound},
		{"wrapped flow error", WrapFlowError(ErrorCodeStateExpired, "gone", nil), ErrorCodeStateExpired},
		{"rate limit", &RateLimitError{Provider: "github", Scope: "ip", Limit: 10}, ErrorCodeRateLimitExceeded},
		{"plain error", errors.New("boom"), ErrorCodeServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStateError_Unwrap(t *testing.T) {
	se := &StateError{Provider: "github", Reason: "expired", Err: storage.ErrStateExpired}
	if !errors.Is(se, storage.ErrStateExpired) {
		t.Error("StateError does not unwrap to the storage sentinel")
	}
}

func TestConfigError_Message(t *testing.T) {
	if got := NewConfigError("states", "state store is required").Error(); got != "config: states: state store is required" {
		t.Errorf("Error() = %q", got)
	}
	if got := (&ConfigError{Message: "bad"}).Error(); got != "config: bad" {
		t.Errorf("Error() = %q", got)
	}
}

