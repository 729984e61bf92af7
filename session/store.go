package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/veloauth/veloauth/kv"
)

// ErrNotFound is returned when a session is absent, which is often benign:
// a double logout or an expired key both land here.
var ErrNotFound = errors.New("session not found")

const (
	sessionKeyPrefix = "session:"
	userKeyPrefix    = "user_sessions:"
)

// Registry tracks active sessions per user in the key-value store. Session
// values expire via TTL; the per-user membership set has no TTL of its own and
// is pruned lazily by ListForUser.
type Registry struct {
	store   *kv.Store
	timeout time.Duration
	now     func() time.Time
}

// NewRegistry builds a Registry with the given sliding session timeout.
func NewRegistry(store *kv.Store, timeout time.Duration) *Registry {
	return &Registry{store: store, timeout: timeout, now: time.Now}
}

func sessionKey(sessionID string) string { return sessionKeyPrefix + sessionID }
func userKey(userID string) string       { return userKeyPrefix + userID }

// Create stores a new session under sessionID and registers it in the user's
// membership set.
func (r *Registry) Create(ctx context.Context, userID, email, sessionID string, meta Metadata) error {
	now := r.now()
	return r.save(ctx, &Session{
		SessionID:    sessionID,
		UserID:       userID,
		Email:        email,
		CreatedAt:    now,
		LastActivity: now,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
	})
}

// Get returns the session stored under sessionID.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, found, err := r.store.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session record: %v", err)
	}
	sess.SessionID = sessionID
	return &sess, nil
}

// Touch updates LastActivity and re-applies the sliding timeout. The expiry
// slides from now, not from the token's absolute expiry; callers reconcile the
// two by revoking the session together with its token.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	sess, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.LastActivity = r.now()
	return r.save(ctx, sess)
}

// Rebind moves a session to a new identifier, preserving its original
// CreatedAt. The new key is written before the old one is removed, so an
// interrupted rebind leaves a recoverable session rather than none. When the
// old session has already expired a fresh one is created in its place.
func (r *Registry) Rebind(ctx context.Context, oldID, newID, userID, email string, meta Metadata) error {
	now := r.now()
	sess := &Session{
		SessionID:    newID,
		UserID:       userID,
		Email:        email,
		CreatedAt:    now,
		LastActivity: now,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
	}

	prev, err := r.Get(ctx, oldID)
	switch {
	case err == nil:
		sess.CreatedAt = prev.CreatedAt
		if sess.IPAddress == "" {
			sess.IPAddress = prev.IPAddress
		}
		if sess.UserAgent == "" {
			sess.UserAgent = prev.UserAgent
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}

	if err := r.save(ctx, sess); err != nil {
		return err
	}
	return r.Delete(ctx, oldID)
}

// Delete removes a session and its membership entry. Deleting an absent
// session is not an error.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	sess, err := r.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = r.store.UnlinkMember(ctx, sessionKey(sessionID), userKey(sess.UserID), sessionID)
	return err
}

// DeleteAllForUser drains the user's membership set, bulk-deletes the session
// keys, then clears the set. Returns how many live sessions were removed.
func (r *Registry) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	ids, err := r.store.SetMembers(ctx, userKey(userID))
	if err != nil {
		return 0, err
	}

	removed := 0
	if len(ids) > 0 {
		keys := make([]string, 0, len(ids))
		for _, id := range ids {
			keys = append(keys, sessionKey(id))
		}
		n, err := r.store.Delete(ctx, keys...)
		if err != nil {
			return 0, err
		}
		removed = int(n)
	}

	if _, err := r.store.Delete(ctx, userKey(userID)); err != nil {
		return removed, err
	}
	return removed, nil
}

// ListForUser returns the user's live sessions. Membership entries whose
// session key has already expired are pruned opportunistically, which keeps
// the set honest without a background sweep.
func (r *Registry) ListForUser(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := r.store.SetMembers(ctx, userKey(userID))
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			if err := r.store.RemoveFromSet(ctx, userKey(userID), id); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func (r *Registry) save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	if err := r.store.SetWithTTL(ctx, sessionKey(sess.SessionID), data, r.timeout); err != nil {
		return err
	}
	return r.store.AddToSet(ctx, userKey(sess.UserID), sess.SessionID)
}
