package flowauth

import (
	"errors"
	"time"

	"github.com/auricle/flowauth/internal/audit"
	"github.com/auricle/flowauth/internal/policyexpr"
	"github.com/auricle/flowauth/jwt"
	"github.com/auricle/flowauth/password"
	"github.com/auricle/flowauth/session"
)

// defaultCompletionCeiling bounds the completion loop per render/submit.
const defaultCompletionCeiling = 40

// Config is the engine's immutable configuration, assembled once at build
// time.
type Config struct {
	Cache    CacheConfig
	Policy   PolicyConfig
	Password PasswordConfig
	Session  session.Config
	JWT      jwt.Config
	Audit    audit.Config
	Metrics  MetricsConfig

	// CompletionCeiling bounds the completion loop. Zero takes the default.
	CompletionCeiling int
}

// CacheConfig tunes execution cache eviction.
type CacheConfig struct {
	// IdleTTL evicts executions unaccessed for this long.
	IdleTTL time.Duration
	// AbsoluteTTL evicts executions this long after insertion regardless of
	// access.
	AbsoluteTTL time.Duration
}

// PolicyConfig tunes the expression sandbox.
type PolicyConfig struct {
	MaxSourceLength int
	MaxOperations   int
}

// PasswordConfig tunes hashing and the failed-attempt budget.
type PasswordConfig struct {
	Hash             password.Config
	MaxAttempts      int
	Cooldown         time.Duration
	EnableIPThrottle bool
}

// MetricsConfig enables the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

// defaultConfig returns the reference configuration: 12h idle / 36h absolute
// cache eviction, 128/1000 sandbox ceilings, a five-attempt password budget.
func defaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			IdleTTL:     12 * time.Hour,
			AbsoluteTTL: 36 * time.Hour,
		},
		Policy: PolicyConfig{
			MaxSourceLength: policyexpr.DefaultMaxSourceLength,
			MaxOperations:   policyexpr.DefaultMaxOperations,
		},
		Password: PasswordConfig{
			Hash:             password.Default(),
			MaxAttempts:      5,
			Cooldown:         time.Minute,
			EnableIPThrottle: true,
		},
		Session: session.Config{
			TTL:     24 * time.Hour,
			Sliding: true,
		},
		JWT: jwt.Config{
			AccessTTL:     15 * time.Minute,
			SigningMethod: jwt.MethodEd25519,
		},
		Audit: audit.Config{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics:           MetricsConfig{Enabled: true},
		CompletionCeiling: defaultCompletionCeiling,
	}
}

// DefaultConfig exposes defaultConfig for callers that tweak a few fields.
func DefaultConfig() Config { return defaultConfig() }

func validateConfig(cfg Config) error {
	if cfg.Cache.IdleTTL <= 0 || cfg.Cache.AbsoluteTTL <= 0 {
		return errors.New("cache TTLs must be positive")
	}
	if cfg.Cache.AbsoluteTTL < cfg.Cache.IdleTTL {
		return errors.New("absolute cache TTL below idle TTL")
	}
	if cfg.Password.MaxAttempts <= 0 {
		return errors.New("password max attempts must be positive")
	}
	if cfg.CompletionCeiling < 0 {
		return errors.New("completion ceiling must not be negative")
	}
	return nil
}
