package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/veloauth/veloauth/internal"
	"github.com/veloauth/veloauth/jwt"
	"github.com/veloauth/veloauth/kv"
)

// ErrReuseDetected is returned when a refresh token is presented after it has
// already been rotated, revoked, or was never registered. By the time the
// caller sees it, the token's entire family has been invalidated.
var ErrReuseDetected = errors.New("refresh token reuse detected")

const (
	recordKeyPrefix  = "refresh_token:"
	familyKeyPrefix  = "token_family:"
	lineageKeyPrefix = "refresh_lineage:"
)

// Record tracks one live refresh token within its rotation family. At most one
// record exists per issued, unexpired token.
type Record struct {
	TokenHash     string    `json:"token_hash"`
	UserID        string    `json:"user_id"`
	Email         string    `json:"email"`
	FamilyID      string    `json:"family_id"`
	RotationCount int       `json:"rotation_count"`
	CreatedAt     time.Time `json:"created_at"`
	LastRotatedAt time.Time `json:"last_rotated_at"`
}

// RotateResult carries the freshly issued pair plus the hashes the caller
// needs to re-bind the session from the old identifier to the new one.
type RotateResult struct {
	AccessToken  string
	RefreshToken string
	OldTokenHash string
	NewTokenHash string
	Record       *Record
}

// ReuseError reports detected reuse together with the lineage that was
// invalidated in response. It unwraps to [ErrReuseDetected]. The detail it
// carries is for server-side audit only and must never reach a client.
type ReuseError struct {
	TokenHash string
	UserID    string
	FamilyID  string
	// Members lists the token hashes whose records were revoked alongside the
	// family, so callers can drop the sessions bound to them.
	Members []string
}

func (e *ReuseError) Error() string {
	return fmt.Sprintf("refresh token reuse detected (family %q, %d tokens revoked)", e.FamilyID, len(e.Members))
}

func (e *ReuseError) Unwrap() error { return ErrReuseDetected }

// Registry tracks issued refresh tokens and their rotation families in the
// key-value store. It is stateless: every read and write goes to the store, so
// any number of instances may serve the same keyspace concurrently.
type Registry struct {
	store *kv.Store
	codec *jwt.Manager
	ttl   time.Duration
	now   func() time.Time
}

// NewRegistry builds a Registry whose records live exactly as long as the
// refresh tokens they track.
func NewRegistry(store *kv.Store, codec *jwt.Manager, refreshTTL time.Duration) *Registry {
	return &Registry{store: store, codec: codec, ttl: refreshTTL, now: time.Now}
}

func recordKey(hash string) string     { return recordKeyPrefix + hash }
func familyKey(familyID string) string { return familyKeyPrefix + familyID }
func lineageKey(hash string) string    { return lineageKeyPrefix + hash }

// Register stores a rotation record for a freshly issued refresh token and
// enrolls its hash in the family's member set. An empty familyID starts a new
// family; rotation passes the inherited one. Returns the effective family ID.
func (r *Registry) Register(ctx context.Context, refreshToken, userID, email, familyID string) (string, error) {
	now := r.now()
	rec := &Record{
		TokenHash:     internal.HashToken(refreshToken),
		UserID:        userID,
		Email:         email,
		FamilyID:      familyID,
		CreatedAt:     now,
		LastRotatedAt: now,
	}
	if rec.FamilyID == "" {
		rec.FamilyID = uuid.NewString()
	}

	if err := r.put(ctx, rec); err != nil {
		return "", err
	}
	return rec.FamilyID, nil
}

// Rotate exchanges a valid refresh token for a new access/refresh pair. Each
// token may be rotated exactly once. Presenting a token that is unknown,
// already rotated, or inconsistent with its family set invalidates the whole
// lineage and returns a [ReuseError]. Rotation is deliberately not idempotent:
// a replayed rotate, even from the legitimate client retrying, revokes the
// family and forces re-authentication.
func (r *Registry) Rotate(ctx context.Context, oldToken string) (*RotateResult, error) {
	claims, err := r.codec.ParseRefresh(oldToken)
	if err != nil {
		return nil, err
	}

	oldHash := internal.HashToken(oldToken)
	rec, found, err := r.get(ctx, oldHash)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, r.reuseDetected(ctx, oldHash, claims.Subject)
	}

	member, err := r.store.IsSetMember(ctx, familyKey(rec.FamilyID), oldHash)
	if err != nil {
		return nil, err
	}
	if !member {
		// Record survived a partial invalidation its family set did not.
		return nil, r.reuseDetected(ctx, oldHash, rec.UserID)
	}

	newRefresh, err := r.codec.IssueRefresh(rec.UserID, rec.Email)
	if err != nil {
		return nil, err
	}
	newAccess, err := r.codec.IssueAccess(rec.UserID, rec.Email)
	if err != nil {
		return nil, err
	}

	now := r.now()
	next := &Record{
		TokenHash:     internal.HashToken(newRefresh),
		UserID:        rec.UserID,
		Email:         rec.Email,
		FamilyID:      rec.FamilyID,
		RotationCount: rec.RotationCount + 1,
		CreatedAt:     now,
		LastRotatedAt: now,
	}

	// The new record is made durable before the old one is claimed, so a
	// caller timeout between the two writes leaves the window "both valid",
	// never "neither valid".
	if err := r.put(ctx, next); err != nil {
		return nil, err
	}

	existed, err := r.store.UnlinkMember(ctx, recordKey(oldHash), familyKey(rec.FamilyID), oldHash)
	if err != nil {
		return nil, err
	}
	if !existed {
		// A concurrent rotation claimed the old token first. Treat this call
		// as reuse; the record written above dies with the family.
		return nil, r.reuseDetected(ctx, oldHash, rec.UserID)
	}

	return &RotateResult{
		AccessToken:  newAccess,
		RefreshToken: newRefresh,
		OldTokenHash: oldHash,
		NewTokenHash: next.TokenHash,
		Record:       next,
	}, nil
}

// Revoke removes a single token's record and family membership. Revoking a
// token that is already absent is not an error.
func (r *Registry) Revoke(ctx context.Context, refreshToken string) error {
	hash := internal.HashToken(refreshToken)
	rec, found, err := r.get(ctx, hash)
	if err != nil {
		return err
	}
	if !found {
		// Already rotated or expired. The lineage entry must survive this
		// call: it is what lets a later replay of the stale token be traced
		// to its family.
		return nil
	}

	if _, err := r.store.UnlinkMember(ctx, recordKey(hash), familyKey(rec.FamilyID), hash); err != nil {
		return err
	}
	_, err = r.store.Delete(ctx, lineageKey(hash))
	return err
}

// RevokeAllForUser walks the record keyspace with a bounded cursor and removes
// every record owned by userID, returning how many were revoked. Cost is
// O(active tokens), acceptable because records are TTL-bounded and the scan is
// paginated.
func (r *Registry) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	it := r.store.Scan(recordKeyPrefix+"*", 0)
	revoked := 0

	for {
		keys, done, err := it.Next(ctx)
		if err != nil {
			return revoked, err
		}

		for _, key := range keys {
			data, found, err := r.store.Get(ctx, key)
			if err != nil {
				return revoked, err
			}
			if !found {
				continue
			}

			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				log.Printf("veloauth: skipping corrupt rotation record at %s", key)
				continue
			}
			if rec.UserID != userID {
				continue
			}

			if _, err := r.store.UnlinkMember(ctx, key, familyKey(rec.FamilyID), rec.TokenHash); err != nil {
				return revoked, err
			}
			if _, err := r.store.Delete(ctx, lineageKey(rec.TokenHash), familyKey(rec.FamilyID)); err != nil {
				return revoked, err
			}
			revoked++
		}

		if done {
			return revoked, nil
		}
	}
}

// InvalidateFamily deletes every live record in a family, their lineage
// entries, and the family set itself, returning the revoked member hashes.
func (r *Registry) InvalidateFamily(ctx context.Context, familyID string) ([]string, error) {
	members, err := r.store.SetMembers(ctx, familyKey(familyID))
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, 2*len(members)+1)
	for _, hash := range members {
		keys = append(keys, recordKey(hash), lineageKey(hash))
	}
	keys = append(keys, familyKey(familyID))

	if _, err := r.store.Delete(ctx, keys...); err != nil {
		return nil, err
	}
	return members, nil
}

func (r *Registry) put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if err := r.store.SetWithTTL(ctx, recordKey(rec.TokenHash), data, r.ttl); err != nil {
		return err
	}
	// The lineage entry outlives rotation so a replayed, already-rotated token
	// can still be traced back to its family.
	if err := r.store.SetWithTTL(ctx, lineageKey(rec.TokenHash), []byte(rec.FamilyID), r.ttl); err != nil {
		return err
	}
	if err := r.store.AddToSet(ctx, familyKey(rec.FamilyID), rec.TokenHash); err != nil {
		return err
	}
	return r.store.ExpireSet(ctx, familyKey(rec.FamilyID), r.ttl)
}

func (r *Registry) get(ctx context.Context, hash string) (*Record, bool, error) {
	data, found, err := r.store.Get(ctx, recordKey(hash))
	if err != nil || !found {
		return nil, false, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("corrupt rotation record: %v", err)
	}
	return &rec, true, nil
}

// reuseDetected invalidates the presented token's family, if it can still be
// traced through its lineage entry, and returns the ReuseError describing what
// was revoked.
func (r *Registry) reuseDetected(ctx context.Context, tokenHash, userID string) error {
	reuse := &ReuseError{TokenHash: tokenHash, UserID: userID}

	familyData, found, err := r.store.Get(ctx, lineageKey(tokenHash))
	if err != nil {
		return err
	}
	if found {
		reuse.FamilyID = string(familyData)
		members, err := r.InvalidateFamily(ctx, reuse.FamilyID)
		if err != nil {
			return err
		}
		reuse.Members = members
	}

	log.Printf("veloauth: refresh token reuse detected user=%s family=%s revoked=%d",
		userID, reuse.FamilyID, len(reuse.Members))
	return reuse
}
