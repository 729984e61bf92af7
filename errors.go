package veloauth

import (
	"github.com/veloauth/veloauth/jwt"
	"github.com/veloauth/veloauth/kv"
	"github.com/veloauth/veloauth/refresh"
	"github.com/veloauth/veloauth/session"
)

// Root-level aliases for the sentinel errors of the subsystem. Callers match
// them with errors.Is regardless of which layer produced the failure.
var (
	// ErrInvalidSignature marks a token whose signature or format failed
	// verification. Terminal; never retried.
	ErrInvalidSignature = jwt.ErrInvalidSignature
	// ErrExpired marks a correctly signed token past its expiry. Terminal.
	ErrExpired = jwt.ErrExpired
	// ErrTokenReuseDetected marks a replayed refresh token. The token's whole
	// family has been invalidated; the caller must force re-authentication and
	// surface only a generic "session expired" to the client.
	ErrTokenReuseDetected = refresh.ErrReuseDetected
	// ErrStoreUnavailable marks a transient store transport failure after
	// retries were exhausted. The caller cannot confirm whether the operation
	// took effect and must reject the request rather than guess.
	ErrStoreUnavailable = kv.ErrUnavailable
	// ErrNotFound marks an absent session, often benign (double logout).
	ErrNotFound = session.ErrNotFound
)
