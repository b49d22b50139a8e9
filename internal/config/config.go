// Package config provides configuration loading for the daemon binary (the
// agent binary is configured by flags only). Configuration sources (in
// priority order): env vars > config file > defaults.
//
// Grounded on internal/controlplane/config/config.go's file+env overlay
// shape, stripped of the OIDC/TLS/LLM/auth/rate-limit concerns that don't
// exist in this spec, and using gopkg.in/yaml.v3 instead of encoding/json
// for the on-disk format (the config file is meant to be hand-edited).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration.
type Config struct {
	ListenAddr        string        `yaml:"listen_addr"`
	DataDir           string        `yaml:"data_dir"`
	RunsRoot          string        `yaml:"runs_root"`
	WorkspacesRoot    string        `yaml:"workspaces_root"`
	LogLevel          string        `yaml:"log_level"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	StickyMultiplier  int           `yaml:"sticky_multiplier"`
	RetentionPeriod   time.Duration `yaml:"retention_period"`
	GCSchedule        string        `yaml:"gc_schedule"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:        ":8090",
		DataDir:           "/var/lib/legator",
		RunsRoot:          "/var/lib/legator/runs",
		WorkspacesRoot:    "/var/lib/legator/workspaces",
		LogLevel:          "info",
		ReconcileInterval: 5 * time.Second,
		LeaseDuration:     30 * time.Second,
		StickyMultiplier:  3,
		RetentionPeriod:   7 * 24 * time.Hour,
		GCSchedule:        "@hourly",
	}
}

// Load reads configuration from a YAML file (if path is non-empty and the
// file exists), then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("LEGATOR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LEGATOR_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LEGATOR_RUNS_ROOT"); v != "" {
		cfg.RunsRoot = v
	}
	if v := os.Getenv("LEGATOR_WORKSPACES_ROOT"); v != "" {
		cfg.WorkspacesRoot = v
	}
	if v := os.Getenv("LEGATOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LEGATOR_RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReconcileInterval = d
		}
	}
	if v := os.Getenv("LEGATOR_LEASE_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LeaseDuration = d
		}
	}
	if v := os.Getenv("LEGATOR_STICKY_MULTIPLIER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StickyMultiplier = n
		}
	}
	if v := os.Getenv("LEGATOR_RETENTION_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RetentionPeriod = d
		}
	}
	if v := os.Getenv("LEGATOR_GC_SCHEDULE"); v != "" {
		cfg.GCSchedule = v
	}

	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}
