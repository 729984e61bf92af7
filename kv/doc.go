// Package kv adapts a Redis client to the primitives the token and session
// registries need: value get/set with TTL, set membership, bounded cursor
// scans, and the atomic unlink-member claim used by rotation.
//
// All mutable subsystem state lives behind this adapter; nothing in-process is
// authoritative. Every operation applies a per-call timeout and wraps transport
// failures in [ErrUnavailable] so callers can distinguish retryable
// infrastructure errors from terminal ones.
package kv
