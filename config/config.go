// Package config loads provider configuration from environment variables
// with validated defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config is the full provider configuration.
type Config struct {
	Backend   BackendConfig   `envPrefix:"AUTHRIM_"`
	Tokens    TokenConfig     `envPrefix:"AUTHRIM_"`
	Limits    LimitConfig     `envPrefix:"AUTHRIM_"`
	Keys      KeyConfig       `envPrefix:"AUTHRIM_"`
	Reconcile ReconcileConfig `envPrefix:"AUTHRIM_"`
	Audit     AuditConfig     `envPrefix:"AUTHRIM_"`
}

// BackendConfig selects and configures the storage backends.
type BackendConfig struct {
	// Storage picks the durable snapshot backend.
	Storage string `env:"STORAGE" envDefault:"memory" validate:"oneof=memory valkey"`

	// ValkeyAddress is required when Storage is "valkey".
	ValkeyAddress  string `env:"VALKEY_ADDRESS" validate:"omitempty,hostname_port"`
	ValkeyPassword string `env:"VALKEY_PASSWORD"`
	ValkeyDB       int    `env:"VALKEY_DB" validate:"gte=0"`

	// PostgresDSN enables the relational mirrors when set.
	PostgresDSN string `env:"POSTGRES_DSN"`

	// EncryptionKey enables snapshot encryption at rest. Must be exactly
	// 32 bytes when set.
	EncryptionKey string `env:"ENCRYPTION_KEY" validate:"omitempty,len=32"`
}

// TokenConfig holds token and session lifetimes.
type TokenConfig struct {
	AuthCodeTTL       time.Duration `env:"AUTH_CODE_TTL" envDefault:"60s" validate:"gt=0,lte=2m"`
	RefreshTTL        time.Duration `env:"REFRESH_TTL" envDefault:"336h" validate:"gt=0"`
	RefreshMaxLife    time.Duration `env:"REFRESH_MAX_LIFETIME" envDefault:"2160h" validate:"gt=0"`
	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"24h" validate:"gt=0"`
	ChallengeTTL      time.Duration `env:"CHALLENGE_TTL" envDefault:"5m" validate:"gt=0"`
	PushedRequestTTL  time.Duration `env:"PUSHED_REQUEST_TTL" envDefault:"90s" validate:"gt=0,lte=10m"`
	ProofReplayWindow time.Duration `env:"PROOF_REPLAY_WINDOW" envDefault:"1h" validate:"gt=0"`
}

// LimitConfig holds quotas and shard counts.
type LimitConfig struct {
	MaxCodesPerUser   int `env:"MAX_CODES_PER_USER" envDefault:"10" validate:"gt=0"`
	MaxPreviousTokens int `env:"MAX_PREVIOUS_TOKENS" envDefault:"10" validate:"gt=0"`

	RefreshGeneration int `env:"REFRESH_GENERATION" envDefault:"0" validate:"gte=0"`
	RefreshShards     int `env:"REFRESH_SHARDS" envDefault:"8" validate:"gt=0"`
	SessionShards     int `env:"SESSION_SHARDS" envDefault:"16" validate:"gt=0"`

	// RateLimitRPS and RateLimitBurst configure the in-process
	// pre-filter in front of the authoritative counters.
	RateLimitRPS        int `env:"RATE_LIMIT_RPS" envDefault:"10" validate:"gt=0"`
	RateLimitBurst      int `env:"RATE_LIMIT_BURST" envDefault:"20" validate:"gt=0"`
	RateLimitMaxEntries int `env:"RATE_LIMIT_MAX_ENTRIES" envDefault:"10000" validate:"gt=0"`
}

// KeyConfig holds signing key parameters.
type KeyConfig struct {
	Size             int           `env:"KEY_SIZE" envDefault:"2048" validate:"oneof=2048 3072 4096"`
	RotationInterval time.Duration `env:"KEY_ROTATION_INTERVAL" envDefault:"24h"`
	Retention        time.Duration `env:"KEY_RETENTION" envDefault:"168h" validate:"gt=0"`
}

// ReconcileConfig tunes the reconciliation queue.
type ReconcileConfig struct {
	Workers     int           `env:"RECONCILE_WORKERS" envDefault:"2" validate:"gt=0"`
	QueueSize   int           `env:"RECONCILE_QUEUE_SIZE" envDefault:"1024" validate:"gt=0"`
	MaxAttempts int           `env:"RECONCILE_MAX_ATTEMPTS" envDefault:"5" validate:"gt=0"`
	BaseBackoff time.Duration `env:"RECONCILE_BASE_BACKOFF" envDefault:"100ms" validate:"gt=0"`
	MaxBackoff  time.Duration `env:"RECONCILE_MAX_BACKOFF" envDefault:"30s" validate:"gt=0"`
}

// AuditConfig toggles audit logging and telemetry.
type AuditConfig struct {
	Enabled        bool   `env:"AUDIT_ENABLED" envDefault:"true"`
	ServiceName    string `env:"SERVICE_NAME" envDefault:"authrim"`
	ServiceVersion string `env:"SERVICE_VERSION" envDefault:"dev"`
	Telemetry      bool   `env:"TELEMETRY_ENABLED" envDefault:"false"`
}

// Load parses configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Backend.Storage == "valkey" && c.Backend.ValkeyAddress == "" {
		return fmt.Errorf("invalid configuration: valkey storage requires AUTHRIM_VALKEY_ADDRESS")
	}
	if c.Tokens.RefreshMaxLife < c.Tokens.RefreshTTL {
		return fmt.Errorf("invalid configuration: refresh max lifetime must not be below the sliding TTL")
	}
	return nil
}
