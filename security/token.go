package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
)

// stateTokenBytes is the entropy of a state token. 32 bytes (256 bits)
// makes guessing attacks infeasible within any state TTL.
const stateTokenBytes = 32

// statePattern matches the base64url alphabet a generated state token uses.
// Inbound state parameters are validated against it before any store lookup
// to reject injection attempts cheaply.
var statePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// GenerateStateToken generates a cryptographically secure random state
// token encoded as base64url without padding. It panics if the system RNG
// fails, which indicates a critical system-level failure.
func GenerateStateToken() string {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// IsValidStateToken reports whether an inbound state parameter is shaped
// like a token this engine could have issued.
func IsValidStateToken(state string) bool {
	return statePattern.MatchString(state)
}
