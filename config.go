package veloauth

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config defines the complete configuration surface of the subsystem. Zero
// values are filled from defaults by the builder; Validate is the single
// startup gate for every tunable.
type Config struct {
	JWT     JWTConfig
	Session SessionConfig
	Store   StoreConfig
	Audit   AuditConfig
}

// JWTConfig holds signing secrets and token lifetimes. The two secrets must
// differ so a refresh token can never pass as an access token or vice versa.
type JWTConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Leeway        time.Duration
}

// SessionConfig controls server-side session expiry. The timeout is
// independent of the refresh-token lifetime but conventionally equal to it.
type SessionConfig struct {
	Timeout time.Duration
}

// StoreConfig locates the backing key-value store and bounds each call.
type StoreConfig struct {
	Addr      string
	Password  string
	DB        int
	OpTimeout time.Duration
}

// AuditConfig controls the asynchronous audit event dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
		Session: SessionConfig{
			Timeout: 7 * 24 * time.Hour,
		},
		Store: StoreConfig{
			Addr:      "localhost:6379",
			OpTimeout: 3 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
	}
}

// Validate checks the configuration once at startup. Durations arrive here
// already parsed; nothing is re-parsed per call.
func (c Config) Validate() error {
	if len(c.JWT.AccessSecret) == 0 || len(c.JWT.RefreshSecret) == 0 {
		return errors.New("access and refresh signing secrets are required")
	}
	if bytes.Equal(c.JWT.AccessSecret, c.JWT.RefreshSecret) {
		return errors.New("access and refresh signing secrets must differ")
	}
	if c.JWT.AccessTTL <= 0 {
		return errors.New("access token TTL must be positive")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("refresh token TTL must be positive")
	}
	if c.JWT.AccessTTL >= c.JWT.RefreshTTL {
		return errors.New("access token TTL must be shorter than refresh token TTL")
	}
	if c.Session.Timeout <= 0 {
		return errors.New("session timeout must be positive")
	}
	if c.Store.OpTimeout <= 0 {
		return errors.New("store operation timeout must be positive")
	}
	return nil
}

// ConfigFromEnv builds a Config from VELOAUTH_* environment variables, keeping
// defaults for anything unset, and validates the result. Durations use Go
// syntax ("15m", "168h").
func ConfigFromEnv() (Config, error) {
	cfg := defaultConfig()

	cfg.JWT.AccessSecret = []byte(os.Getenv("VELOAUTH_ACCESS_SECRET"))
	cfg.JWT.RefreshSecret = []byte(os.Getenv("VELOAUTH_REFRESH_SECRET"))
	if v := os.Getenv("VELOAUTH_ISSUER"); v != "" {
		cfg.JWT.Issuer = v
	}

	var err error
	if cfg.JWT.AccessTTL, err = envDuration("VELOAUTH_ACCESS_TTL", cfg.JWT.AccessTTL); err != nil {
		return cfg, err
	}
	if cfg.JWT.RefreshTTL, err = envDuration("VELOAUTH_REFRESH_TTL", cfg.JWT.RefreshTTL); err != nil {
		return cfg, err
	}
	if cfg.Session.Timeout, err = envDuration("VELOAUTH_SESSION_TIMEOUT", cfg.Session.Timeout); err != nil {
		return cfg, err
	}
	if cfg.Store.OpTimeout, err = envDuration("VELOAUTH_STORE_TIMEOUT", cfg.Store.OpTimeout); err != nil {
		return cfg, err
	}

	if v := os.Getenv("VELOAUTH_REDIS_ADDR"); v != "" {
		cfg.Store.Addr = v
	}
	if v := os.Getenv("VELOAUTH_REDIS_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("VELOAUTH_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid VELOAUTH_REDIS_DB: %v", err)
		}
		cfg.Store.DB = db
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", name, err)
	}
	return d, nil
}
