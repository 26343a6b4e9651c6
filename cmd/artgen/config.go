package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/artgen/internal/engine"
	"github.com/rendis/artgen/internal/ratelimit"
	"github.com/rendis/artgen/internal/tracing"
)

// Config holds all artgen configuration.
// Priority: env vars > settings.yaml > defaults.
type Config struct {
	LogLevel          string                      `yaml:"log_level"`
	DBPath            string                      `yaml:"db_path"`
	StateRoot         string                      `yaml:"state_root"`
	TierParallelism   int                         `yaml:"tier_parallelism"`
	AssetParallelism  int                         `yaml:"asset_parallelism"`
	ApprovalTimeout   time.Duration               `yaml:"approval_timeout"`
	InvocationTimeout time.Duration               `yaml:"invocation_timeout"`
	AutoApprove       bool                        `yaml:"auto_approve"`
	MaxAttempts       int                         `yaml:"max_attempts"`
	MaxRegenerations  int                         `yaml:"max_regenerations"`
	RateLimits        map[string]ratelimit.Bucket `yaml:"rate_limits"`
	CircuitBreaker    engine.CircuitBreakerConfig `yaml:"circuit_breaker"`
	Tracing           tracing.Config              `yaml:"tracing"`
	NATSURL           string                      `yaml:"nats_url"`
	NATSSubject       string                      `yaml:"nats_subject"`
	MetricsAddr       string                      `yaml:"metrics_addr"`
}

func defaultConfig() Config {
	limits := make(map[string]ratelimit.Bucket, len(ratelimit.KnownProviders)+1)
	for name, b := range ratelimit.KnownProviders {
		limits[name] = b
	}
	limits["default"] = ratelimit.DefaultBucket

	return Config{
		LogLevel:         "info",
		DBPath:           filepath.Join(artgenDir(), "artgen.db"),
		StateRoot:        engine.DefaultStateRoot,
		TierParallelism:  engine.DefaultTierParallelism,
		AssetParallelism: engine.DefaultAssetParallelism,
		MaxAttempts:      engine.DefaultMaxAttempts,
		MaxRegenerations: engine.DefaultMaxRegenerations,
		RateLimits:       limits,
		CircuitBreaker:   engine.DefaultCircuitBreakerConfig(),
		Tracing:          tracing.DefaultConfig(),
		NATSSubject:      "artgen",
	}
}

func artgenDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".artgen"
	}
	return filepath.Join(home, ".artgen")
}

func settingsPath() string {
	if p := os.Getenv("ARTGEN_SETTINGS"); p != "" {
		return p
	}
	return filepath.Join(artgenDir(), "settings.yaml")
}

// loadConfig layers the settings file and ARTGEN_* variables over the
// defaults. A missing settings file is not an error; a malformed one is.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.yaml (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	if v := os.Getenv("ARTGEN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ARTGEN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ARTGEN_STATE_ROOT"); v != "" {
		cfg.StateRoot = v
	}
	envInt("ARTGEN_TIER_PARALLELISM", &cfg.TierParallelism)
	envInt("ARTGEN_ASSET_PARALLELISM", &cfg.AssetParallelism)
	envInt("ARTGEN_MAX_ATTEMPTS", &cfg.MaxAttempts)
	envInt("ARTGEN_MAX_REGENERATIONS", &cfg.MaxRegenerations)
	envDuration("ARTGEN_APPROVAL_TIMEOUT", &cfg.ApprovalTimeout)
	envDuration("ARTGEN_INVOCATION_TIMEOUT", &cfg.InvocationTimeout)
	if v := os.Getenv("ARTGEN_AUTO_APPROVE"); v != "" {
		cfg.AutoApprove = v == "true" || v == "1"
	}
	if v := os.Getenv("ARTGEN_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("ARTGEN_NATS_SUBJECT"); v != "" {
		cfg.NATSSubject = v
	}
	if v := os.Getenv("ARTGEN_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("ARTGEN_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.OTLPEndpoint = v
	}
	cfg.Tracing.ServiceVersion = version

	return cfg, nil
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// limitsRegistry builds the provider rate limiters. The "default" entry
// replaces the fallback bucket.
func (c Config) limitsRegistry() *ratelimit.Registry {
	reg := ratelimit.NewRegistry()
	for name, b := range c.RateLimits {
		if b.RequestsPerMinute <= 0 || b.Burst <= 0 {
			continue
		}
		if name == "default" {
			reg.SetDefault(b)
			continue
		}
		reg.Configure(name, b.RequestsPerMinute, b.Burst)
	}
	return reg
}

func (c Config) executorConfig() engine.ExecutorConfig {
	cb := c.CircuitBreaker
	return engine.ExecutorConfig{
		TierParallelism:   c.TierParallelism,
		AssetParallelism:  c.AssetParallelism,
		StateRoot:         c.StateRoot,
		CircuitBreaker:    &cb,
		InvocationTimeout: c.InvocationTimeout,
		MaxAttempts:       c.MaxAttempts,
		MaxRegenerations:  c.MaxRegenerations,
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that only apply to the next run
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if !strings.EqualFold(old.LogLevel, new.LogLevel) {
		d.LogLevelChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.TierParallelism != new.TierParallelism {
		d.RestartNeeded = append(d.RestartNeeded, "tier_parallelism")
	}
	if old.AssetParallelism != new.AssetParallelism {
		d.RestartNeeded = append(d.RestartNeeded, "asset_parallelism")
	}
	if old.ApprovalTimeout != new.ApprovalTimeout {
		d.RestartNeeded = append(d.RestartNeeded, "approval_timeout")
	}
	if old.NATSURL != new.NATSURL || old.NATSSubject != new.NATSSubject {
		d.RestartNeeded = append(d.RestartNeeded, "nats")
	}
	if old.MetricsAddr != new.MetricsAddr {
		d.RestartNeeded = append(d.RestartNeeded, "metrics_addr")
	}
	if old.Tracing != new.Tracing {
		d.RestartNeeded = append(d.RestartNeeded, "tracing")
	}
	return d
}
