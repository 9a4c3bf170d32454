package flowauth

import (
	"database/sql"
	"errors"
	"time"

	"github.com/auricle/flowauth/internal/audit"
	"github.com/auricle/flowauth/internal/policyexpr"
	"github.com/auricle/flowauth/internal/rate"
	"github.com/auricle/flowauth/jwt"
	"github.com/auricle/flowauth/password"
	"github.com/auricle/flowauth/session"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. Configure it during initialization, call
// Build once, and discard it.
type Builder struct {
	config Config
	db     *sql.DB
	redis  redis.UniversalClient

	loader    EntityLoader
	auditSink audit.Sink

	built bool
}

// New returns a builder preloaded with the default configuration.
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithDB sets the entity datastore. Required.
func (b *Builder) WithDB(db *sql.DB) *Builder {
	b.db = db
	return b
}

// WithRedis sets the client backing sessions and the attempt limiter.
// Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLoader sets the entity loader reading flows, stages, policies, and
// users out of the datastore. Required.
func (b *Builder) WithLoader(loader EntityLoader) *Builder {
	b.loader = loader
	return b
}

// WithAuditSink sets the destination for audit events. Optional; events are
// dropped without one.
func (b *Builder) WithAuditSink(sink audit.Sink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and wires the engine. The builder can
// be used once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := b.config
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if b.db == nil {
		return nil, errors.New("database required")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.loader == nil {
		return nil, errors.New("entity loader required")
	}

	hasher, err := password.NewArgon2(cfg.Password.Hash)
	if err != nil {
		return nil, err
	}

	jm, err := jwt.NewManager(cfg.JWT)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:   cfg,
		loader:   b.loader,
		db:       b.db,
		store:    NewStore(b.loader),
		policies: NewPolicyEngine(policyexpr.Limits{
			MaxSourceLength: cfg.Policy.MaxSourceLength,
			MaxOperations:   cfg.Policy.MaxOperations,
		}),
		hasher:   hasher,
		jwt:      jm,
		sessions: session.New(b.redis, cfg.Session),
		limiter: rate.New(b.redis, rate.Config{
			EnableIPThrottle: cfg.Password.EnableIPThrottle,
			MaxAttempts:      cfg.Password.MaxAttempts,
			Cooldown:         cfg.Password.Cooldown,
		}),
		audit: audit.NewDispatcher(cfg.Audit, b.auditSink),
		now:   time.Now,
	}
	if cfg.Metrics.Enabled {
		engine.metrics = NewMetrics()
	}
	engine.cache = newExecutionCache(cfg.Cache.IdleTTL, cfg.Cache.AbsoluteTTL, func(n int) {
		if engine.metrics != nil {
			engine.metrics.Add(MetricCacheEvicted, uint64(n))
		}
	})

	b.built = true
	return engine, nil
}
