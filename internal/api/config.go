package api

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the backend configuration.
type Config struct {
	ListenAddr      string
	DBPath          string
	ShutdownTimeout time.Duration
	LogFormat       string // json or text
	LogLevel        string
	RequireAuth     bool // reject /v1 requests without a valid API key
	MaxBodyBytes    int64
	MaxPageSize     int

	// Requests per caller per minute; 0 disables the limit.
	RateLimitSubmit int
	RateLimitFetch  int

	Version string // reported by /healthz
}

// DefaultConfig is the configuration with no environment applied.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		DBPath:          "./data/caisse-sync.db",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",
		RequireAuth:     true,
		MaxBodyBytes:    1 << 20,
		MaxPageSize:     1000,
		RateLimitSubmit: 600,
		RateLimitFetch:  300,
	}
}

type envBinding struct {
	name  string
	apply func(c *Config, v string) error
}

func envString(name string, field func(*Config) *string) envBinding {
	return envBinding{name, func(c *Config, v string) error { *field(c) = v; return nil }}
}

func envInt(name string, field func(*Config) *int) envBinding {
	return envBinding{name, func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("want a non-negative integer, got %q", v)
		}
		*field(c) = n
		return nil
	}}
}

var envBindings = []envBinding{
	envString("CAISSE_SYNC_LISTEN_ADDR", func(c *Config) *string { return &c.ListenAddr }),
	envString("CAISSE_SYNC_DB_PATH", func(c *Config) *string { return &c.DBPath }),
	envString("CAISSE_SYNC_LOG_FORMAT", func(c *Config) *string { return &c.LogFormat }),
	envString("CAISSE_SYNC_LOG_LEVEL", func(c *Config) *string { return &c.LogLevel }),
	{"CAISSE_SYNC_SHUTDOWN_TIMEOUT", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.ShutdownTimeout = d
		return nil
	}},
	{"CAISSE_SYNC_REQUIRE_AUTH", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.RequireAuth = b
		return nil
	}},
	{"CAISSE_SYNC_MAX_BODY_BYTES", func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("want a positive byte count, got %q", v)
		}
		c.MaxBodyBytes = n
		return nil
	}},
	envInt("CAISSE_SYNC_MAX_PAGE_SIZE", func(c *Config) *int { return &c.MaxPageSize }),
	envInt("CAISSE_SYNC_RATE_LIMIT_SUBMIT", func(c *Config) *int { return &c.RateLimitSubmit }),
	envInt("CAISSE_SYNC_RATE_LIMIT_FETCH", func(c *Config) *int { return &c.RateLimitFetch }),
}

// LoadConfig applies CAISSE_SYNC_* variables over DefaultConfig. A variable
// that is set but malformed is an error.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	for _, b := range envBindings {
		v, ok := os.LookupEnv(b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.apply(&cfg, v); err != nil {
			return Config{}, fmt.Errorf("%s: %w", b.name, err)
		}
	}
	return cfg, nil
}
