package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Addr:        defaultAddr,
		DatabaseURL: "postgres://localhost/discounts",
		RateLimit:   RateLimitConfig{RPS: 10, Burst: 40},
		Sweep:       SweepConfig{Schedule: "@every 1m", LockTTL: 50 * time.Second},
		Ledger:      LedgerConfig{ReservationTTL: 15 * time.Minute},
	}
}

func TestConfig_PlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("REDIS_URL", "redis://platform:6379/0")
	t.Setenv("PORT", "9090")

	cfg := Config{Addr: defaultAddr}
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://platform/db", cfg.DatabaseURL)
	assert.Equal(t, "redis://platform:6379/0", cfg.RedisURL)
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr)

	cfg = Config{Addr: "127.0.0.1:7000", DatabaseURL: "postgres://explicit/db", RedisURL: "redis://explicit"}
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://explicit/db", cfg.DatabaseURL)
	assert.Equal(t, "redis://explicit", cfg.RedisURL)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		err    string
	}{
		{name: "Valid", modify: func(*Config) {}},
		{name: "CronSpec", modify: func(c *Config) { c.Sweep.Schedule = "*/5 * * * *" }},
		{name: "NoDatabase", modify: func(c *Config) { c.DatabaseURL = "" }, err: "database URL is required"},
		{name: "BadSchedule", modify: func(c *Config) { c.Sweep.Schedule = "every minute" }, err: "invalid sweep schedule"},
		{name: "ZeroBurst", modify: func(c *Config) { c.RateLimit.Burst = 0 }, err: "rate limit"},
		{name: "ZeroTTL", modify: func(c *Config) { c.Ledger.ReservationTTL = 0 }, err: "reservation TTL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.validate()
			if tt.err == "" {
				require.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.err)
		})
	}
}
