// Package veloauth implements refresh-token rotation with reuse detection and
// a revocable session store, backed by a networked key-value cache.
//
// The package is the component a login/refresh/logout layer invokes after it
// has verified a user's identity: [Service.Issue] creates a token pair, a
// rotation family, and a session; [Service.Refresh] rotates the refresh token
// exactly once per generation and invalidates the whole lineage when a token
// is replayed; [Service.Revoke] and [Service.RevokeAll] tear down tokens and
// sessions together.
//
// # Architecture boundaries
//
// veloauth is the public surface. It exposes [Service], [Builder], [Config],
// the sentinel errors, and the audit types. Token encoding lives in jwt/,
// store primitives in kv/, rotation bookkeeping in refresh/, and session
// bookkeeping in session/.
//
// # What this package must NOT do
//
//   - Verify credentials, route HTTP, or talk to a relational user store;
//     those belong to callers.
//   - Hold authoritative state in process; every read goes to the store.
//   - Reveal reuse detection to clients. Callers translate
//     [ErrTokenReuseDetected] into a generic "session expired" response; the
//     specific reason is audit-logged server-side only.
package veloauth
