// Package security provides the security primitives of the login engine:
// state token generation, issuance and request rate limiting, token
// encryption at rest, audit logging with PII protection, and client IP
// extraction.
package security
