package veloauth

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/veloauth/veloauth/internal"
	"github.com/veloauth/veloauth/jwt"
	"github.com/veloauth/veloauth/kv"
	"github.com/veloauth/veloauth/refresh"
	"github.com/veloauth/veloauth/session"
)

const (
	storeRetryAttempts = 3
	storeRetryBase     = 50 * time.Millisecond
)

// TokenPair is what a successful issuance or rotation hands back to the
// caller: a short-lived access token and the single-use refresh token that
// replaces it.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Metadata aliases session.Metadata so callers configuring at the root don't
// need a second import.
type Metadata = session.Metadata

// Service orchestrates token rotation and session bookkeeping. It holds no
// mutable in-process state beyond its connections: all reads and writes go to
// the key-value store, so any number of instances can serve the same keyspace
// and every method is safe under unbounded concurrent callers.
type Service struct {
	codec      *jwt.Manager
	tokens     *refresh.Registry
	sessions   *session.Registry
	store      *kv.Store
	redis      redis.UniversalClient
	ownsClient bool
	audit      *auditDispatcher
}

// Issue mints an access/refresh pair for an already-verified identity, starts
// a new rotation family, and creates the bound session. The operation is
// all-or-nothing from the caller's perspective: a bookkeeping failure after
// the refresh token is minted unwinds the registration, so a token that is not
// fully registered never reaches the caller.
func (s *Service) Issue(ctx context.Context, userID, email string, meta Metadata) (*TokenPair, error) {
	refreshToken, err := s.codec.IssueRefresh(userID, email)
	if err != nil {
		return nil, err
	}

	var familyID string
	err = s.retryStore(ctx, func(ctx context.Context) error {
		var err error
		familyID, err = s.tokens.Register(ctx, refreshToken, userID, email, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	sessionID := internal.HashToken(refreshToken)
	if err := s.retryStore(ctx, func(ctx context.Context) error {
		return s.sessions.Create(ctx, userID, email, sessionID, meta)
	}); err != nil {
		s.unwind(ctx, refreshToken, sessionID)
		return nil, err
	}

	accessToken, err := s.codec.IssueAccess(userID, email)
	if err != nil {
		s.unwind(ctx, refreshToken, sessionID)
		return nil, err
	}

	s.emit(ctx, AuditEvent{
		EventType: "session.issued",
		UserID:    userID,
		SessionID: sessionID,
		IP:        meta.IPAddress,
		Success:   true,
		Metadata:  map[string]string{"family_id": familyID},
	})

	return &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// Refresh rotates the presented refresh token and re-binds its session to the
// new token identifier, preserving the session's original CreatedAt. Reuse
// detection surfaces as ErrTokenReuseDetected; callers must respond with a
// generic "session expired" and never forward the reason to the client.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta Metadata) (*TokenPair, error) {
	var res *refresh.RotateResult
	err := s.retryStore(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.tokens.Rotate(ctx, refreshToken)
		return err
	})
	if err != nil {
		var reuse *refresh.ReuseError
		if errors.As(err, &reuse) {
			s.dropReusedSessions(ctx, reuse)
			s.emit(ctx, AuditEvent{
				EventType: "refresh.reuse_detected",
				UserID:    reuse.UserID,
				SessionID: reuse.TokenHash,
				IP:        meta.IPAddress,
				Success:   false,
				Error:     "refresh token reuse detected",
				Metadata: map[string]string{
					"family_id": reuse.FamilyID,
					"revoked":   strconv.Itoa(len(reuse.Members)),
				},
			})
		}
		return nil, err
	}

	rec := res.Record
	if err := s.retryStore(ctx, func(ctx context.Context) error {
		return s.sessions.Rebind(ctx, res.OldTokenHash, res.NewTokenHash, rec.UserID, rec.Email, meta)
	}); err != nil {
		return nil, err
	}

	s.emit(ctx, AuditEvent{
		EventType: "session.refreshed",
		UserID:    rec.UserID,
		SessionID: res.NewTokenHash,
		IP:        meta.IPAddress,
		Success:   true,
		Metadata: map[string]string{
			"family_id": rec.FamilyID,
			"rotation":  strconv.Itoa(rec.RotationCount),
		},
	})

	return &TokenPair{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken}, nil
}

// Revoke invalidates a single refresh token and its bound session together.
// Revoking an already-absent token succeeds, so double logout is harmless.
func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	sessionID := internal.HashToken(refreshToken)

	if err := s.retryStore(ctx, func(ctx context.Context) error {
		return s.tokens.Revoke(ctx, refreshToken)
	}); err != nil {
		return err
	}
	if err := s.retryStore(ctx, func(ctx context.Context) error {
		return s.sessions.Delete(ctx, sessionID)
	}); err != nil {
		return err
	}

	s.emit(ctx, AuditEvent{
		EventType: "session.revoked",
		SessionID: sessionID,
		Success:   true,
	})
	return nil
}

// RevokeAll invalidates every refresh token and session belonging to userID,
// returning the number of tokens revoked.
func (s *Service) RevokeAll(ctx context.Context, userID string) (int, error) {
	var tokens int
	if err := s.retryStore(ctx, func(ctx context.Context) error {
		var err error
		tokens, err = s.tokens.RevokeAllForUser(ctx, userID)
		return err
	}); err != nil {
		return tokens, err
	}

	if err := s.retryStore(ctx, func(ctx context.Context) error {
		_, err := s.sessions.DeleteAllForUser(ctx, userID)
		return err
	}); err != nil {
		return tokens, err
	}

	s.emit(ctx, AuditEvent{
		EventType: "session.revoked_all",
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"revoked": strconv.Itoa(tokens)},
	})
	return tokens, nil
}

// VerifyAccess verifies an access token and returns its claims. Purely
// cryptographic; no store round-trip.
func (s *Service) VerifyAccess(token string) (*jwt.Claims, error) {
	return s.codec.ParseAccess(token)
}

// ActiveSessions lists the user's live sessions, pruning stale index entries
// as a side effect.
func (s *Service) ActiveSessions(ctx context.Context, userID string) ([]*session.Session, error) {
	var sessions []*session.Session
	err := s.retryStore(ctx, func(ctx context.Context) error {
		var err error
		sessions, err = s.sessions.ListForUser(ctx, userID)
		return err
	})
	return sessions, err
}

// TouchSession records activity on a session and slides its expiry.
func (s *Service) TouchSession(ctx context.Context, sessionID string) error {
	return s.retryStore(ctx, func(ctx context.Context) error {
		return s.sessions.Touch(ctx, sessionID)
	})
}

// Ping checks that the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close drains the audit dispatcher and, when the builder opened the Redis
// client, closes it. Clients injected via WithRedis stay open.
func (s *Service) Close() error {
	s.audit.Close()
	if s.ownsClient && s.redis != nil {
		return s.redis.Close()
	}
	return nil
}

// retryStore retries transient store failures with bounded fibonacci backoff.
// Terminal failures (bad signatures, expiry, reuse detection) are returned
// immediately and never retried.
func (s *Service) retryStore(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(storeRetryAttempts, retry.NewFibonacci(storeRetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && errors.Is(err, kv.ErrUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// dropReusedSessions deletes the sessions bound to every token revoked by a
// family invalidation, so token and session state never diverge.
func (s *Service) dropReusedSessions(ctx context.Context, reuse *refresh.ReuseError) {
	ids := append([]string{reuse.TokenHash}, reuse.Members...)
	for _, id := range ids {
		if err := s.sessions.Delete(ctx, id); err != nil {
			log.Print("veloauth: session cleanup failed after reuse detection")
		}
	}
}

func (s *Service) unwind(ctx context.Context, refreshToken, sessionID string) {
	if err := s.tokens.Revoke(ctx, refreshToken); err != nil {
		log.Print("veloauth: registration unwind failed; record expires via TTL")
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		log.Print("veloauth: session unwind failed; key expires via TTL")
	}
}

func (s *Service) emit(ctx context.Context, event AuditEvent) {
	if s.audit == nil {
		return
	}
	event.Timestamp = time.Now()
	s.audit.Emit(ctx, event)
}
