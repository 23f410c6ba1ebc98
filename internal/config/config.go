package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// HTTP
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8081"`

	// Account store (read-only, owned by the onboarding service)
	DatabaseURL string `env:"DATABASE_URL,required"`

	// Checkpoint store
	CheckpointDBPath string `env:"CHECKPOINT_DB_PATH" envDefault:"./data/checkpoints.db"`

	// Queue
	NATSURL   string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	TaskQueue string `env:"TASK_QUEUE" envDefault:"priority_high"`

	// Credential service (decrypts stored credential blobs)
	CredentialServiceURL string `env:"CREDENTIAL_SERVICE_URL,required"`

	// Operator auth for the manual trigger endpoint (optional; open when unset)
	JWKSURL string `env:"JWKS_URL"`

	// Publish-side dedupe (optional)
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	DedupeTTL     time.Duration `env:"DEDUPE_TTL" envDefault:"10m"`

	// Retry / timeout policy
	SyncTimeout    time.Duration `env:"SYNC_TIMEOUT" envDefault:"60s"`
	FetchRetries   int           `env:"FETCH_RETRIES" envDefault:"3"`
	PublishRetries int           `env:"PUBLISH_RETRIES" envDefault:"3"`
	RetryBackoff   time.Duration `env:"RETRY_BACKOFF" envDefault:"500ms"`

	// Safety-net label filters; empty means dispatch everything
	FilterLabels []string `env:"FILTER_LABELS" envSeparator:","`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// DedupeEnabled returns true if the Redis publish-side deduper is configured
func (c *Config) DedupeEnabled() bool {
	return c.RedisAddr != ""
}

// ManualAuthEnabled returns true if the manual trigger endpoint requires a JWT
func (c *Config) ManualAuthEnabled() bool {
	return c.JWKSURL != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.FetchRetries < 1 || cfg.PublishRetries < 1 {
		return nil, fmt.Errorf("FETCH_RETRIES and PUBLISH_RETRIES must be at least 1")
	}

	return cfg, nil
}
