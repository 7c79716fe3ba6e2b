package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/robfig/cron/v3"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (DISCOUNT_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (DISCOUNT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisURL     string `usage:"Redis URL for the sweep lock; empty disables locking (DISCOUNT_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (DISCOUNT_API_KEY_PEPPER)" flag:"api-key-pepper"`
	RateLimit    RateLimitConfig
	Graceful     GracefulConfig
	Sweep        SweepConfig
	Ledger       LedgerConfig
	Approval     ApprovalConfig
}

// RateLimitConfig controls the per-client token bucket.
type RateLimitConfig struct {
	RPS   float64 `default:"10" usage:"Sustained requests per second per client"`
	Burst int     `default:"40" usage:"Maximum burst per client"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// SweepConfig controls the periodic approval and reservation sweep.
type SweepConfig struct {
	Schedule string        `default:"@every 1m" usage:"Cron schedule of the sweep"`
	LockTTL  time.Duration `default:"50s" usage:"Lifetime of the Redis sweep lock"`
}

// LedgerConfig controls promo usage reservations.
type LedgerConfig struct {
	ReservationTTL     time.Duration `default:"15m" usage:"Lifetime of an unconfirmed reservation"`
	ConflictRetryDelay time.Duration `default:"50ms" usage:"Delay before retrying a reservation denied by in-flight usage"`
}

// ApprovalConfig names the default reviewers.
type ApprovalConfig struct {
	Approver   string `default:"manager" usage:"Reviewer new approval requests are assigned to"`
	EscalateTo string `default:"director" usage:"Reviewer overdue requests are escalated to"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "DISCOUNT",
		Files:     []string{"config.yaml", "/etc/discount-engine/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set DISCOUNT_DATABASE_URL or DATABASE_URL")
	}
	if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
		return errors.Wrapf(err, "invalid sweep schedule %q", c.Sweep.Schedule)
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return errors.New("rate limit RPS and burst must be positive")
	}
	if c.Ledger.ReservationTTL <= 0 {
		return errors.New("reservation TTL must be positive")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's DISCOUNT_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.RedisURL == "" {
		c.RedisURL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
