// Package config loads hookd settings from ~/.hookd/config.yaml with
// environment overrides. Every field has a code default so a missing config
// file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AnnounceConfig holds the audio side-effect settings registered with each
// session. The daemon passes these through to the announce providers; it does
// not interpret them beyond provider ordering.
type AnnounceConfig struct {
	// Providers is a comma-separated ordered list, leftmost highest priority.
	Providers    string `yaml:"providers"`
	Language     string `yaml:"language"`
	CacheEnabled bool   `yaml:"cache_enabled"`
	VoiceID      string `yaml:"voice_id"`
	ModelID      string `yaml:"model_id"`

	SilentAnnouncements bool `yaml:"silent_announcements"`
	SilentEffects       bool `yaml:"silent_effects"`

	ContextualStop       bool   `yaml:"contextual_stop"`
	ContextualPreToolUse bool   `yaml:"contextual_pretooluse"`
	Model                string `yaml:"model"`
	ModelEnabled         bool   `yaml:"model_enabled"`
}

// OTelConfig mirrors the exporter settings understood by internal/otel.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	Host     string `yaml:"host"`
	LogLevel string `yaml:"log_level"`

	// BasePort is the first port of the discovery window; PortCount ports
	// are probed/allocated starting there, one per concurrent instance.
	BasePort  int `yaml:"base_port"`
	PortCount int `yaml:"port_count"`

	// MaxRetryCount bounds both dispatch retries and ownership-race requeues.
	MaxRetryCount int `yaml:"max_retry_count"`

	PollIntervalMillis int `yaml:"poll_interval_millis"`
	RetryDelayMillis   int `yaml:"retry_delay_millis"`
	ErrorBackoffSecs   int `yaml:"error_backoff_seconds"`

	MonitorIntervalSecs int    `yaml:"monitor_interval_seconds"`
	OrphanSweepSchedule string `yaml:"orphan_sweep_schedule"`

	SpawnHealthAttempts int `yaml:"spawn_health_attempts"`
	SpawnHealthDelayMs  int `yaml:"spawn_health_delay_millis"`
	TerminateGraceSecs  int `yaml:"terminate_grace_seconds"`

	ProbeTimeoutMillis int `yaml:"probe_timeout_millis"`
	SubmitTimeoutSecs  int `yaml:"submit_timeout_seconds"`
	DrainTimeoutSecs   int `yaml:"drain_timeout_seconds"`
	DrainPollMillis    int `yaml:"drain_poll_millis"`

	Announce AnnounceConfig `yaml:"announce"`
	OTel     OTelConfig     `yaml:"otel"`
}

// HomeDir resolves the hookd data directory, honoring HOOKD_HOME.
func HomeDir() string {
	if dir := strings.TrimSpace(os.Getenv("HOOKD_HOME")); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".hookd")
}

func defaultConfig() Config {
	return Config{
		Host:                "127.0.0.1",
		LogLevel:            "info",
		BasePort:            12222,
		PortCount:           50,
		MaxRetryCount:       3,
		PollIntervalMillis:  100,
		RetryDelayMillis:    500,
		ErrorBackoffSecs:    5,
		MonitorIntervalSecs: 30,
		OrphanSweepSchedule: "*/5 * * * *",
		SpawnHealthAttempts: 20,
		SpawnHealthDelayMs:  250,
		TerminateGraceSecs:  3,
		ProbeTimeoutMillis:  500,
		SubmitTimeoutSecs:   30,
		DrainTimeoutSecs:    10,
		DrainPollMillis:     200,
		Announce: AnnounceConfig{
			Providers:    "sound,log",
			Language:     "en",
			CacheEnabled: true,
		},
		OTel: OTelConfig{
			Exporter:    "none",
			ServiceName: "hookd",
		},
	}
}

// Load reads ~/.hookd/config.yaml (if present), applies environment
// overrides, and normalizes out-of-range values back to defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create hookd home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// Path returns the location of the config file inside the home directory.
func (c Config) Path() string {
	return filepath.Join(c.HomeDir, "config.yaml")
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("HOOKD_DB_PATH")); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("HOOKD_BASE_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.BasePort = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("HOOKD_MAX_RETRY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRetryCount = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("HOOKD_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "events.db")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.BasePort <= 0 || cfg.BasePort > 65535 {
		cfg.BasePort = 12222
	}
	if cfg.PortCount <= 0 {
		cfg.PortCount = 50
	}
	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = 3
	}
	if cfg.PollIntervalMillis <= 0 {
		cfg.PollIntervalMillis = 100
	}
	if cfg.RetryDelayMillis <= 0 {
		cfg.RetryDelayMillis = 500
	}
	if cfg.ErrorBackoffSecs <= 0 {
		cfg.ErrorBackoffSecs = 5
	}
	if cfg.MonitorIntervalSecs <= 0 {
		cfg.MonitorIntervalSecs = 30
	}
	if cfg.OrphanSweepSchedule == "" {
		cfg.OrphanSweepSchedule = "*/5 * * * *"
	}
	if cfg.SpawnHealthAttempts <= 0 {
		cfg.SpawnHealthAttempts = 20
	}
	if cfg.SpawnHealthDelayMs <= 0 {
		cfg.SpawnHealthDelayMs = 250
	}
	if cfg.TerminateGraceSecs <= 0 {
		cfg.TerminateGraceSecs = 3
	}
	if cfg.ProbeTimeoutMillis <= 0 {
		cfg.ProbeTimeoutMillis = 500
	}
	if cfg.SubmitTimeoutSecs <= 0 {
		cfg.SubmitTimeoutSecs = 30
	}
	if cfg.DrainTimeoutSecs <= 0 {
		cfg.DrainTimeoutSecs = 10
	}
	if cfg.DrainPollMillis <= 0 {
		cfg.DrainPollMillis = 200
	}
	if cfg.Announce.Providers == "" {
		cfg.Announce.Providers = "sound,log"
	}
	if cfg.Announce.Language == "" {
		cfg.Announce.Language = "en"
	}
}

// Duration accessors keep the yaml surface integer-based while giving
// callers typed values.

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMillis) * time.Millisecond
}

func (c Config) ErrorBackoff() time.Duration {
	return time.Duration(c.ErrorBackoffSecs) * time.Second
}

func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSecs) * time.Second
}

func (c Config) SpawnHealthDelay() time.Duration {
	return time.Duration(c.SpawnHealthDelayMs) * time.Millisecond
}

func (c Config) TerminateGrace() time.Duration {
	return time.Duration(c.TerminateGraceSecs) * time.Second
}

func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMillis) * time.Millisecond
}

func (c Config) SubmitTimeout() time.Duration {
	return time.Duration(c.SubmitTimeoutSecs) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSecs) * time.Second
}

func (c Config) DrainPoll() time.Duration {
	return time.Duration(c.DrainPollMillis) * time.Millisecond
}

// ProviderList splits the ordered announce provider string.
func (a AnnounceConfig) ProviderList() []string {
	var out []string
	for _, p := range strings.Split(a.Providers, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{"log"}
	}
	return out
}
