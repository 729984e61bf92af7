// Package session tracks active sessions per user in the key-value store.
// Sessions expire by TTL with sliding renewal on Touch; the per-user index set
// is pruned lazily rather than by a background sweep.
package session
