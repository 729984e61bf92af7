package veloauth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/veloauth/veloauth/internal"
	"github.com/veloauth/veloauth/kv"
	"github.com/veloauth/veloauth/session"
)

func testConfig() Config {
	cfg := defaultConfig()
	cfg.JWT.AccessSecret = []byte("test-access-secret")
	cfg.JWT.RefreshSecret = []byte("test-refresh-secret")
	return cfg
}

func newServiceTest(t *testing.T, cfg Config, sink AuditSink) (*Service, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	svc, err := New().WithConfig(cfg).WithRedis(rdb).WithAuditSink(sink).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	return svc, mr, func() {
		svc.Close()
		rdb.Close()
		mr.Close()
	}
}

func TestIssueRotateReuseScenario(t *testing.T) {
	svc, _, done := newServiceTest(t, testConfig(), nil)
	defer done()
	ctx := context.Background()

	// Login: user receives (A1, R1).
	pair1, err := svc.Issue(ctx, "u-1", "u1@example.com", Metadata{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.VerifyAccess(pair1.AccessToken)
	if err != nil {
		t.Fatalf("verify access: %v", err)
	}
	if claims.Subject != "u-1" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}

	// Rotate with R1: receives (A2, R2).
	pair2, err := svc.Refresh(ctx, pair1.RefreshToken, Metadata{})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if pair2.RefreshToken == pair1.RefreshToken {
		t.Fatal("rotation returned the same refresh token")
	}

	// Replaying R1 trips reuse detection.
	if _, err := svc.Refresh(ctx, pair1.RefreshToken, Metadata{}); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("replay accepted: %v", err)
	}

	// R2 was never directly reused but dies with the family.
	if _, err := svc.Refresh(ctx, pair2.RefreshToken, Metadata{}); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("successor survived family invalidation: %v", err)
	}
}

func TestRefreshRebindsSession(t *testing.T) {
	svc, _, done := newServiceTest(t, testConfig(), nil)
	defer done()
	ctx := context.Background()

	pair1, err := svc.Issue(ctx, "u-1", "u1@example.com", Metadata{IPAddress: "198.51.100.7"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	oldID := internal.HashToken(pair1.RefreshToken)
	before, err := svc.sessions.Get(ctx, oldID)
	if err != nil {
		t.Fatalf("session missing after issue: %v", err)
	}

	pair2, err := svc.Refresh(ctx, pair1.RefreshToken, Metadata{})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, err := svc.sessions.Get(ctx, oldID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("old session key survived rotation: %v", err)
	}

	newID := internal.HashToken(pair2.RefreshToken)
	after, err := svc.sessions.Get(ctx, newID)
	if err != nil {
		t.Fatalf("rebound session missing: %v", err)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		t.Fatalf("rebind reset CreatedAt: %v -> %v", before.CreatedAt, after.CreatedAt)
	}
	if after.IPAddress != "198.51.100.7" {
		t.Fatalf("rebind dropped session metadata: %+v", after)
	}
}

func TestReuseDropsBoundSessions(t *testing.T) {
	svc, _, done := newServiceTest(t, testConfig(), nil)
	defer done()
	ctx := context.Background()

	pair1, err := svc.Issue(ctx, "u-1", "u1@example.com", Metadata{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair1.RefreshToken, Metadata{}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair1.RefreshToken, Metadata{}); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("replay accepted: %v", err)
	}

	sessions, err := svc.ActiveSessions(ctx, "u-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("sessions survived family invalidation: %+v", sessions)
	}
}

func TestRevokeRemovesTokenAndSession(t *testing.T) {
	svc, _, done := newServiceTest(t, testConfig(), nil)
	defer done()
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "u-1", "u1@example.com", Metadata{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := svc.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	// Double logout is benign.
	if err := svc.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("second revoke: %v", err)
	}

	if _, err := svc.Refresh(ctx, pair.RefreshToken, Metadata{}); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("revoked token rotated: %v", err)
	}

	sessions, err := svc.ActiveSessions(ctx, "u-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("session survived revoke: %+v", sessions)
	}
}

func TestRevokeAllScopedToUser(t *testing.T) {
	svc, _, done := newServiceTest(t, testConfig(), nil)
	defer done()
	ctx := context.Background()

	var u1Tokens []string
	for i := 0; i < 2; i++ {
		pair, err := svc.Issue(ctx, "u-1", "u1@example.com", Metadata{})
		if err != nil {
			t.Fatalf("issue u-1: %v", err)
		}
		u1Tokens = append(u1Tokens, pair.RefreshToken)
	}
	u2Pair, err := svc.Issue(ctx, "u-2", "u2@example.com", Metadata{})
	if err != nil {
		t.Fatalf("issue u-2: %v", err)
	}

	revoked, err := svc.RevokeAll(ctx, "u-1")
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if revoked != 2 {
		t.Fatalf("expected 2 revoked, got %d", revoked)
	}

	for _, token := range u1Tokens {
		if _, err := svc.Refresh(ctx, token, Metadata{}); !errors.Is(err, ErrTokenReuseDetected) {
			t.Fatalf("u-1 token survived bulk revoke: %v", err)
		}
	}
	if sessions, _ := svc.ActiveSessions(ctx, "u-1"); len(sessions) != 0 {
		t.Fatalf("u-1 sessions survived bulk revoke: %+v", sessions)
	}

	// u-2 is untouched.
	if _, err := svc.Refresh(ctx, u2Pair.RefreshToken, Metadata{}); err != nil {
		t.Fatalf("u-2 caught by u-1 bulk revoke: %v", err)
	}
}

func TestSessionExpiresWithStoreTTL(t *testing.T) {
	cfg := testConfig()
	cfg.Session.Timeout = time.Minute
	svc, mr, done := newServiceTest(t, cfg, nil)
	defer done()
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "u-1", "u1@example.com", Metadata{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	sessionID := internal.HashToken(pair.RefreshToken)

	if err := svc.TouchSession(ctx, sessionID); err != nil {
		t.Fatalf("touch: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if err := svc.TouchSession(ctx, sessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired session, got %v", err)
	}
	if sessions, _ := svc.ActiveSessions(ctx, "u-1"); len(sessions) != 0 {
		t.Fatalf("expired session still listed: %+v", sessions)
	}
}

func TestRetryStoreRecoversFromTransientFailure(t *testing.T) {
	svc, _, done := newServiceTest(t, testConfig(), nil)
	defer done()

	calls := 0
	err := svc.retryStore(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: connection refused", kv.ErrUnavailable)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transient failure not retried: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryStoreBoundsAttempts(t *testing.T) {
	svc, _, done := newServiceTest(t, testConfig(), nil)
	defer done()

	calls := 0
	err := svc.retryStore(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("%w: connection refused", kv.ErrUnavailable)
	})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store-unavailable error, got %v", err)
	}
	if calls != storeRetryAttempts+1 {
		t.Fatalf("expected %d attempts, got %d", storeRetryAttempts+1, calls)
	}
}

func TestRetryStoreDoesNotRetryTerminalErrors(t *testing.T) {
	svc, _, done := newServiceTest(t, testConfig(), nil)
	defer done()

	calls := 0
	err := svc.retryStore(context.Background(), func(ctx context.Context) error {
		calls++
		return ErrTokenReuseDetected
	})
	if !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("terminal error rewritten: %v", err)
	}
	if calls != 1 {
		t.Fatalf("terminal error retried %d times", calls)
	}
}

func TestStoreOutageSurfacesAsUnavailable(t *testing.T) {
	svc, mr, done := newServiceTest(t, testConfig(), nil)
	defer done()
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "u-1", "u1@example.com", Metadata{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	mr.SetError("LOADING Redis is loading the dataset in memory")
	defer mr.SetError("")

	if err := svc.TouchSession(ctx, internal.HashToken(pair.RefreshToken)); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("outage not reported as store-unavailable: %v", err)
	}
}

func TestReuseEmitsAuditEvent(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = true
	sink := NewChannelSink(16)
	svc, _, done := newServiceTest(t, cfg, sink)
	defer done()
	ctx := context.Background()

	pair1, err := svc.Issue(ctx, "u-1", "u1@example.com", Metadata{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair1.RefreshToken, Metadata{}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair1.RefreshToken, Metadata{}); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("replay accepted: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-sink.Events():
			if event.EventType != "refresh.reuse_detected" {
				continue
			}
			if event.UserID != "u-1" {
				t.Fatalf("audit event missing user: %+v", event)
			}
			if event.Metadata["family_id"] == "" {
				t.Fatalf("audit event missing family: %+v", event)
			}
			return
		case <-deadline:
			t.Fatal("no reuse audit event emitted")
		}
	}
}
