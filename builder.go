package veloauth

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/veloauth/veloauth/jwt"
	"github.com/veloauth/veloauth/kv"
	"github.com/veloauth/veloauth/refresh"
	"github.com/veloauth/veloauth/session"
)

// Builder assembles a Service. The store client is an injected dependency with
// explicit lifecycle: open it at startup via Build, close it on shutdown via
// [Service.Close]. There is no package-level singleton.
type Builder struct {
	config    Config
	redis     redis.UniversalClient
	auditSink AuditSink
	built     bool
}

// New returns a Builder preloaded with defaults.
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis supplies an existing Redis client. The caller keeps ownership;
// Service.Close will not close it. Without this, Build opens a client from
// Config.Store and the Service owns it.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithAuditSink supplies the sink that receives audit events when auditing is
// enabled in the configuration.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// Build validates the configuration and assembles the Service. A Builder can
// build at most once.
func (b *Builder) Build() (*Service, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	codec, err := jwt.NewManager(jwt.Config{
		AccessSecret:  b.config.JWT.AccessSecret,
		RefreshSecret: b.config.JWT.RefreshSecret,
		AccessTTL:     b.config.JWT.AccessTTL,
		RefreshTTL:    b.config.JWT.RefreshTTL,
		Issuer:        b.config.JWT.Issuer,
		Leeway:        b.config.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}

	client := b.redis
	ownsClient := false
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     b.config.Store.Addr,
			Password: b.config.Store.Password,
			DB:       b.config.Store.DB,
		})
		ownsClient = true
	}

	store := kv.NewStore(client, b.config.Store.OpTimeout)

	b.built = true
	return &Service{
		codec:      codec,
		tokens:     refresh.NewRegistry(store, codec, b.config.JWT.RefreshTTL),
		sessions:   session.NewRegistry(store, b.config.Session.Timeout),
		store:      store,
		redis:      client,
		ownsClient: ownsClient,
		audit:      newAuditDispatcher(b.config.Audit, b.auditSink),
	}, nil
}
