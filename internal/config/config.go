// Package config loads terminal settings from <base>/.caisse/caisse.yaml with
// CAISSE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configFile = ".caisse/caisse.yaml"
	lockFile   = ".caisse/caisse.yaml.lock"
)

// ErrUnknownKey is returned by Set and Get for keys that are not settings.
var ErrUnknownKey = errors.New("unknown config key")

// Config is the terminal configuration.
type Config struct {
	Sync    SyncConfig    `yaml:"sync"`
	Log     LogConfig     `yaml:"log"`
	Webhook WebhookConfig `yaml:"webhook,omitempty"`
}

// SyncConfig holds backend and sync timing settings.
type SyncConfig struct {
	URL            string   `yaml:"url"`
	APIKey         string   `yaml:"api_key,omitempty"`
	Auto           *bool    `yaml:"auto,omitempty"` // nil = default true
	AutoTimeout    Duration `yaml:"auto_timeout"`
	Interval       Duration `yaml:"interval"`
	ProbeInterval  Duration `yaml:"probe_interval"`
	ProbeTimeout   Duration `yaml:"probe_timeout"`
	RequestTimeout Duration `yaml:"request_timeout"`
	PageSize       int      `yaml:"page_size"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// WebhookConfig points alerts at an HTTP endpoint. An empty URL disables them.
type WebhookConfig struct {
	URL    string `yaml:"url,omitempty"`
	Secret string `yaml:"secret,omitempty"`
}

// AutoSync reports whether mutations trigger an opportunistic push.
func (c *Config) AutoSync() bool {
	return c.Sync.Auto == nil || *c.Sync.Auto
}

// Duration is a time.Duration written as a string in YAML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Defaults returns the built-in settings.
func Defaults() *Config {
	return &Config{
		Sync: SyncConfig{
			URL:            "http://localhost:8080",
			AutoTimeout:    Duration(3 * time.Second),
			Interval:       Duration(time.Minute),
			ProbeInterval:  Duration(15 * time.Second),
			ProbeTimeout:   Duration(5 * time.Second),
			RequestTimeout: Duration(15 * time.Second),
			PageSize:       500,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Path returns the config file location for baseDir.
func Path(baseDir string) string {
	return filepath.Join(baseDir, configFile)
}

// Load reads the config with precedence defaults < file < environment.
// A missing file is not an error.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFile(baseDir)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile reads only defaults and the file, so Save never persists
// environment overrides.
func loadFile(baseDir string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(Path(baseDir))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", Path(baseDir), err)
	}
	return cfg, nil
}

// Save writes the config to disk using atomic write (temp file + rename)
func Save(baseDir string, cfg *Config) error {
	configPath := Path(baseDir)
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "caisse-*.yaml.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, configPath)
}

// Update applies fn to the file config under the config lock and saves it.
func Update(baseDir string, fn func(cfg *Config) error) error {
	return withConfigLock(baseDir, func() error {
		cfg, err := loadFile(baseDir)
		if err != nil {
			return err
		}
		if err := fn(cfg); err != nil {
			return err
		}
		if err := cfg.validate(); err != nil {
			return err
		}
		return Save(baseDir, cfg)
	})
}

func (c *Config) validate() error {
	if c.Sync.URL == "" {
		return errors.New("sync.url must not be empty")
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive, got %d", c.Sync.PageSize)
	}
	if c.Sync.ProbeTimeout <= 0 || c.Sync.RequestTimeout <= 0 {
		return errors.New("sync timeouts must be positive")
	}
	if c.Sync.ProbeInterval <= 0 {
		return errors.New("sync.probe_interval must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// setting binds a dotted key to a field for Get/Set and env overrides.
type setting struct {
	env string
	get func(c *Config) string
	set func(c *Config, v string) error
}

var settings = map[string]setting{
	"sync.url": {"CAISSE_SYNC_URL",
		func(c *Config) string { return c.Sync.URL },
		func(c *Config, v string) error { c.Sync.URL = v; return nil }},
	"sync.api_key": {"CAISSE_API_KEY",
		func(c *Config) string { return c.Sync.APIKey },
		func(c *Config, v string) error { c.Sync.APIKey = v; return nil }},
	"sync.auto": {"CAISSE_SYNC_AUTO",
		func(c *Config) string { return strconv.FormatBool(c.AutoSync()) },
		func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			c.Sync.Auto = &b
			return nil
		}},
	"sync.auto_timeout":    durationSetting("CAISSE_SYNC_AUTO_TIMEOUT", func(c *Config) *Duration { return &c.Sync.AutoTimeout }),
	"sync.interval":        durationSetting("CAISSE_SYNC_INTERVAL", func(c *Config) *Duration { return &c.Sync.Interval }),
	"sync.probe_interval":  durationSetting("CAISSE_PROBE_INTERVAL", func(c *Config) *Duration { return &c.Sync.ProbeInterval }),
	"sync.probe_timeout":   durationSetting("CAISSE_PROBE_TIMEOUT", func(c *Config) *Duration { return &c.Sync.ProbeTimeout }),
	"sync.request_timeout": durationSetting("CAISSE_REQUEST_TIMEOUT", func(c *Config) *Duration { return &c.Sync.RequestTimeout }),
	"sync.page_size": {"CAISSE_PAGE_SIZE",
		func(c *Config) string { return strconv.Itoa(c.Sync.PageSize) },
		func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			c.Sync.PageSize = n
			return nil
		}},
	"log.level": {"CAISSE_LOG_LEVEL",
		func(c *Config) string { return c.Log.Level },
		func(c *Config, v string) error { c.Log.Level = v; return nil }},
	"log.format": {"CAISSE_LOG_FORMAT",
		func(c *Config) string { return c.Log.Format },
		func(c *Config, v string) error { c.Log.Format = v; return nil }},
	"log.file": {"CAISSE_LOG_FILE",
		func(c *Config) string { return c.Log.File },
		func(c *Config, v string) error { c.Log.File = v; return nil }},
	"webhook.url": {"CAISSE_WEBHOOK_URL",
		func(c *Config) string { return c.Webhook.URL },
		func(c *Config, v string) error { c.Webhook.URL = v; return nil }},
	"webhook.secret": {"CAISSE_WEBHOOK_SECRET",
		func(c *Config) string { return c.Webhook.Secret },
		func(c *Config, v string) error { c.Webhook.Secret = v; return nil }},
}

func durationSetting(env string, field func(c *Config) *Duration) setting {
	return setting{
		env: env,
		get: func(c *Config) string { return field(c).Std().String() },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", v, err)
			}
			*field(c) = Duration(d)
			return nil
		},
	}
}

// applyEnv overrides file values with CAISSE_* variables.
func applyEnv(cfg *Config) error {
	for key, s := range settings {
		v := os.Getenv(s.env)
		if v == "" {
			continue
		}
		if err := s.set(cfg, v); err != nil {
			return fmt.Errorf("%s (%s): %w", s.env, key, err)
		}
	}
	return nil
}

// Keys lists the settable keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the string form of a setting.
func (c *Config) Get(key string) (string, error) {
	s, ok := settings[strings.ToLower(key)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return s.get(c), nil
}

// Set parses and stores a setting.
func (c *Config) Set(key, value string) error {
	s, ok := settings[strings.ToLower(key)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return s.set(c, value)
}

// EnvVar returns the environment variable overriding key.
func EnvVar(key string) string {
	return settings[strings.ToLower(key)].env
}
