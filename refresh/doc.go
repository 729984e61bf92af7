// Package refresh implements the rotation protocol for long-lived refresh
// tokens: registration, exactly-once rotation, reuse detection, and family
// invalidation.
//
// # Rotation families
//
// Every login starts a family. Each successful rotation retires the presented
// token and enrolls its successor in the same family, so under correct
// operation a family has exactly one live member. A token presented twice,
// whether stolen and replayed or retried by a confused client, invalidates the
// whole family, including the legitimate holder's current token. False positives
// force a re-login; false negatives would leave a stolen token valid, so the
// protocol is intentionally conservative.
//
// # Architecture boundaries
//
// This package owns record and family bookkeeping in the key-value store. It
// does not know about sessions; binding rotated tokens to sessions is the
// service's job.
package refresh
