package internal

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashToken derives the storage key for a token: a SHA-256 digest over the full
// token string, hex encoded. The raw token is never written to the store, and
// the digest cannot be reversed or collided, which matters because the hash is
// the sole lookup key guarding reuse detection.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
