package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.URL != "http://localhost:8080" {
		t.Errorf("url: got %q", cfg.Sync.URL)
	}
	if cfg.Sync.ProbeTimeout.Std() != 5*time.Second {
		t.Errorf("probe timeout: got %v", cfg.Sync.ProbeTimeout.Std())
	}
	if !cfg.AutoSync() {
		t.Error("auto sync should default to true")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	yaml := "sync:\n  url: http://backend:9000\n  interval: 30s\n  page_size: 50\n  auto: false\nlog:\n  level: debug\n  format: json\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CAISSE_SYNC_URL", "http://override:1234")
	t.Setenv("CAISSE_PROBE_TIMEOUT", "2s")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.URL != "http://override:1234" {
		t.Errorf("env should win over file, got %q", cfg.Sync.URL)
	}
	if cfg.Sync.Interval.Std() != 30*time.Second {
		t.Errorf("interval: got %v", cfg.Sync.Interval.Std())
	}
	if cfg.Sync.ProbeTimeout.Std() != 2*time.Second {
		t.Errorf("probe timeout: got %v", cfg.Sync.ProbeTimeout.Std())
	}
	if cfg.Sync.PageSize != 50 {
		t.Errorf("page size: got %d", cfg.Sync.PageSize)
	}
	if cfg.AutoSync() {
		t.Error("auto sync disabled in file")
	}
	// Unset fields keep their defaults.
	if cfg.Sync.RequestTimeout.Std() != 15*time.Second {
		t.Errorf("request timeout: got %v", cfg.Sync.RequestTimeout.Std())
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "debug" {
		t.Errorf("log: got %+v", cfg.Log)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad duration", "sync:\n  interval: soon\n"},
		{"bad page size", "sync:\n  page_size: 0\n"},
		{"bad log format", "log:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			os.MkdirAll(filepath.Dir(Path(dir)), 0755)
			if err := os.WriteFile(Path(dir), []byte(tt.yaml), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(dir); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestUpdateRoundTripsWithoutEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CAISSE_API_KEY", "from-env")

	err := Update(dir, func(cfg *Config) error {
		return cfg.Set("sync.interval", "2m")
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	data, err := os.ReadFile(Path(dir))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(data); strings.Contains(got, "from-env") {
		t.Fatalf("environment overrides must not be saved:\n%s", got)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.Interval.Std() != 2*time.Minute {
		t.Errorf("interval: got %v", cfg.Sync.Interval.Std())
	}
	if cfg.Sync.APIKey != "from-env" {
		t.Errorf("api key: got %q", cfg.Sync.APIKey)
	}
}

func TestGetSetKeys(t *testing.T) {
	cfg := Defaults()
	for _, key := range Keys() {
		if _, err := cfg.Get(key); err != nil {
			t.Errorf("Get(%s): %v", key, err)
		}
		if EnvVar(key) == "" {
			t.Errorf("%s has no env override", key)
		}
	}

	if err := cfg.Set("sync.auto", "false"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, _ := cfg.Get("sync.auto"); v != "false" {
		t.Errorf("sync.auto: got %q", v)
	}
	if err := cfg.Set("sync.page_size", "many"); err == nil {
		t.Error("expected parse error")
	}
	if err := cfg.Set("nope", "1"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey, got %v", err)
	}
}
