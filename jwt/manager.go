package jwt

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidSignature is returned when a token's signature or format cannot
	// be verified. No claim is ever read from such a token.
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrExpired is returned when a correctly signed token is past its expiry.
	ErrExpired = errors.New("token expired")
)

// Config holds the signing material and lifetimes for both token kinds.
// The access and refresh secrets must differ so that one kind can never be
// presented where the other is expected.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Leeway        time.Duration
}

// Claims is the verified claim set carried by access and refresh tokens.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Manager signs and verifies access and refresh tokens. It performs no I/O and
// is deterministic given its secrets and clock; all state lives in the tokens.
type Manager struct {
	config Config
	now    func() time.Time
}

// NewManager validates the configuration and returns a ready Manager.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("access and refresh secrets are required")
	}
	if bytes.Equal(cfg.AccessSecret, cfg.RefreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	return &Manager{config: cfg, now: time.Now}, nil
}

// IssueAccess mints a short-lived access token for the given identity.
func (m *Manager) IssueAccess(userID, email string) (string, error) {
	return m.issue(userID, email, m.config.AccessSecret, m.config.AccessTTL)
}

// IssueRefresh mints a long-lived refresh token for the given identity. Each
// call produces a distinct token: the jti claim carries a fresh UUID so two
// tokens minted within the same second never hash to the same storage key.
func (m *Manager) IssueRefresh(userID, email string) (string, error) {
	return m.issue(userID, email, m.config.RefreshSecret, m.config.RefreshTTL)
}

// ParseAccess verifies an access token and returns its claims.
func (m *Manager) ParseAccess(token string) (*Claims, error) {
	return m.parse(token, m.config.AccessSecret)
}

// ParseRefresh verifies a refresh token and returns its claims. It reports
// ErrInvalidSignature for anything not signed with the refresh secret and
// ErrExpired for a valid token past its expiry.
func (m *Manager) ParseRefresh(token string) (*Claims, error) {
	return m.parse(token, m.config.RefreshSecret)
}

func (m *Manager) issue(userID, email string, secret []byte, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    m.config.Issuer,
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (m *Manager) parse(tokenStr string, secret []byte) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithIssuedAt(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidSignature
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidSignature)
	}

	return claims, nil
}
