// Package config loads Phantom's daemon configuration from YAML with
// environment overrides, generalizing the teacher's struct-literal
// Options/DefaultOptions pattern to a file since Phantom is a long-lived
// daemon rather than a single invocation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the daemon.
type Config struct {
	// BindAddress is the QUIC listen address, e.g. "[::]:4433".
	BindAddress string `yaml:"bind_address"`
	// StateDir holds devices.json, pairing_tokens.json, auth.log, and the
	// TLS certificate/key. Defaults to ~/.phantom.
	StateDir string `yaml:"state_dir"`
	// Shell is read from the file and PHANTOM_SHELL but is not passed to
	// sessions: a new session runs the shell named in its create_session
	// request, else $SHELL, else /bin/sh.
	Shell string `yaml:"shell"`

	ScrollbackCapacity int           `yaml:"scrollback_capacity"`
	ReaperInterval     time.Duration `yaml:"reaper_interval"`
	AuthBudget         time.Duration `yaml:"auth_budget"`

	ConnRateLimit    int           `yaml:"conn_rate_limit"`
	ConnRateWindow   time.Duration `yaml:"conn_rate_window"`
	AuthFailLimit    int           `yaml:"auth_fail_limit"`
	AuthFailWindow   time.Duration `yaml:"auth_fail_window"`
	AdminRateLimitPS int           `yaml:"admin_rate_limit_per_sec"`

	FlowControlWindow  uint64        `yaml:"flow_control_window"`
	FlowControlTimeout time.Duration `yaml:"flow_control_timeout"`
	BridgeChannelDepth int           `yaml:"bridge_channel_depth"`

	JSONLogs bool `yaml:"json_logs"`
}

// Default returns the daemon's built-in defaults, mirroring the constants
// named in the original Rust config and spec.md.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		BindAddress:        "[::]:4433",
		StateDir:           filepath.Join(home, ".phantom"),
		ScrollbackCapacity: 65536,
		ReaperInterval:     5 * time.Second,
		AuthBudget:         10 * time.Second,
		ConnRateLimit:      5,
		ConnRateWindow:     60 * time.Second,
		AuthFailLimit:      3,
		AuthFailWindow:     300 * time.Second,
		AdminRateLimitPS:   20,
		FlowControlWindow:  262144,
		FlowControlTimeout: 5 * time.Second,
		BridgeChannelDepth: 128,
		JSONLogs:           false,
	}
}

// Load reads a YAML config file over top of Default(), then applies
// PHANTOM_-prefixed environment overrides for the fields most commonly
// tweaked at deploy time.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				applyEnvOverrides(&cfg)
				return cfg, nil
			}
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PHANTOM_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("PHANTOM_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("PHANTOM_SHELL"); v != "" {
		cfg.Shell = v
	}
	if v := os.Getenv("PHANTOM_JSON_LOGS"); v != "" {
		cfg.JSONLogs = v == "1" || v == "true"
	}
}
