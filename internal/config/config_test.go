package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/hookd/internal/config"
)

func TestLoad_DefaultsWithoutConfigFile(t *testing.T) {
	t.Setenv("HOOKD_HOME", t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasePort != 12222 || cfg.PortCount != 50 {
		t.Fatalf("discovery window defaults wrong: base=%d count=%d", cfg.BasePort, cfg.PortCount)
	}
	if cfg.MaxRetryCount != 3 {
		t.Fatalf("max retry default: %d", cfg.MaxRetryCount)
	}
	if cfg.DBPath != filepath.Join(cfg.HomeDir, "events.db") {
		t.Fatalf("db path not derived from home: %s", cfg.DBPath)
	}
	if cfg.Host != "127.0.0.1" {
		t.Fatalf("host default: %s", cfg.Host)
	}
	if got := cfg.PollInterval(); got != 100*time.Millisecond {
		t.Fatalf("poll interval: %v", got)
	}
	if got := cfg.RetryDelay(); got != 500*time.Millisecond {
		t.Fatalf("retry delay: %v", got)
	}
	if got := cfg.ErrorBackoff(); got != 5*time.Second {
		t.Fatalf("error backoff: %v", got)
	}
	if got := cfg.DrainTimeout(); got != 10*time.Second {
		t.Fatalf("drain timeout: %v", got)
	}
}

func TestLoad_ReadsConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOOKD_HOME", home)

	yaml := `
base_port: 15000
max_retry_count: 7
log_level: debug
announce:
  providers: "log"
  language: de
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasePort != 15000 {
		t.Fatalf("base_port not read: %d", cfg.BasePort)
	}
	if cfg.MaxRetryCount != 7 {
		t.Fatalf("max_retry_count not read: %d", cfg.MaxRetryCount)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level not read: %s", cfg.LogLevel)
	}
	if cfg.Announce.Language != "de" {
		t.Fatalf("announce.language not read: %s", cfg.Announce.Language)
	}
	if got := cfg.Announce.ProviderList(); len(got) != 1 || got[0] != "log" {
		t.Fatalf("announce.providers not read: %v", got)
	}
}

func TestLoad_EnvOverridesBeatFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOOKD_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("base_port: 15000\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOOKD_BASE_PORT", "16000")
	t.Setenv("HOOKD_DB_PATH", "/tmp/override.db")
	t.Setenv("HOOKD_MAX_RETRY", "9")
	t.Setenv("HOOKD_LOG_LEVEL", "warn")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasePort != 16000 {
		t.Fatalf("env base port not applied: %d", cfg.BasePort)
	}
	if cfg.DBPath != "/tmp/override.db" {
		t.Fatalf("env db path not applied: %s", cfg.DBPath)
	}
	if cfg.MaxRetryCount != 9 {
		t.Fatalf("env max retry not applied: %d", cfg.MaxRetryCount)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("env log level not applied: %s", cfg.LogLevel)
	}
}

func TestLoad_NormalizesOutOfRangeValues(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOOKD_HOME", home)
	yaml := `
base_port: -1
port_count: 0
max_retry_count: -5
poll_interval_millis: 0
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasePort != 12222 || cfg.PortCount != 50 {
		t.Fatalf("window not normalized: base=%d count=%d", cfg.BasePort, cfg.PortCount)
	}
	if cfg.MaxRetryCount != 3 {
		t.Fatalf("retries not normalized: %d", cfg.MaxRetryCount)
	}
	if cfg.PollIntervalMillis != 100 {
		t.Fatalf("poll interval not normalized: %d", cfg.PollIntervalMillis)
	}
}

func TestLoad_InvalidYAMLErrors(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOOKD_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("{not yaml"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(); err == nil {
		t.Fatal("expected parse error for invalid yaml")
	}
}

func TestProviderList(t *testing.T) {
	tests := []struct {
		providers string
		want      []string
	}{
		{"sound,log", []string{"sound", "log"}},
		{" sound , log ", []string{"sound", "log"}},
		{"sound,,", []string{"sound"}},
		{"", []string{"log"}},
	}
	for _, tt := range tests {
		a := config.AnnounceConfig{Providers: tt.providers}
		got := a.ProviderList()
		if len(got) != len(tt.want) {
			t.Fatalf("ProviderList(%q) = %v, want %v", tt.providers, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("ProviderList(%q) = %v, want %v", tt.providers, got, tt.want)
			}
		}
	}
}

func TestPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOOKD_HOME", home)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Path() != filepath.Join(home, "config.yaml") {
		t.Fatalf("config path: %s", cfg.Path())
	}
}
