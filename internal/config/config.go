// Package config loads the server configuration from YAML and applies
// defaults suitable for a standard appliance install.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level server configuration.
type Config struct {
	ListenAddr string `yaml:"listen_address"`
	RedisAddr  string `yaml:"redis_address"`
	RedisDB    int    `yaml:"redis_db"`

	Paths  Paths  `yaml:"paths"`
	Limits Limits `yaml:"limits"`
}

// Paths locates external binaries and runtime directories.
type Paths struct {
	EngineBin    string `yaml:"engine_bin"`
	TransportBin string `yaml:"transport_bin"`
	RunDir       string `yaml:"run_dir"`
	PipeDir      string `yaml:"pipe_dir"`
	PresetDir    string `yaml:"preset_dir"`
}

// Limits holds the bounded-wait budgets and buffer sizes.
type Limits struct {
	PipeTimeout  time.Duration `yaml:"pipe_timeout"`
	TermGrace    time.Duration `yaml:"term_grace"`
	GPIOQueueCap int           `yaml:"gpio_queue_cap"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		RedisAddr:  "localhost:6379",
		Paths: Paths{
			EngineBin:    "/opt/streon/liquidsoap/bin/liquidsoap",
			TransportBin: "/usr/bin/ffmpeg",
			RunDir:       "/opt/streon",
			PipeDir:      "/tmp",
			PresetDir:    "/opt/streon/presets",
		},
		Limits: Limits{
			PipeTimeout:  5 * time.Second,
			TermGrace:    5 * time.Second,
			GPIOQueueCap: 256,
		},
	}
}

// Load reads the configuration file at path, overlaying defaults. An
// empty path returns pure defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_address is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis_address is required")
	}
	if c.Paths.EngineBin == "" || c.Paths.TransportBin == "" {
		return fmt.Errorf("paths.engine_bin and paths.transport_bin are required")
	}
	if c.Limits.PipeTimeout < 0 || c.Limits.TermGrace < 0 {
		return fmt.Errorf("limits must be non-negative")
	}
	return nil
}
