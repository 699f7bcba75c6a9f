// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/lumina-assist/lumina/internal/plugin/host"
	"github.com/lumina-assist/lumina/internal/xdg"
)

// hostAPIVersion is the plugin API version manifests constrain
// against via host-version. Bumped on breaking plugin API changes.
const hostAPIVersion = "1.0.0"

// hostConfig holds the host's resolved configuration, merged from the
// config file (lowest precedence) and command-line flags.
type hostConfig struct {
	PluginsDir      string        `koanf:"plugins-dir"`
	RegistryPath    string        `koanf:"registry-path"`
	BackupsDir      string        `koanf:"backups-dir"`
	MetricsAddr     string        `koanf:"metrics-addr"`
	LogFormat       string        `koanf:"log-format"`
	LogLevel        string        `koanf:"log-level"`
	RateBurst       int           `koanf:"rate-burst"`
	RateSustained   float64       `koanf:"rate-sustained"`
	MonitorInterval time.Duration `koanf:"monitor-interval"`
}

// Validate checks that the configuration is usable.
func (cfg *hostConfig) Validate() error {
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return fmt.Errorf("log-format must be 'json' or 'text', got %q", cfg.LogFormat)
	}
	if cfg.PluginsDir == "" {
		return fmt.Errorf("plugins-dir is required")
	}
	if cfg.RegistryPath == "" {
		return fmt.Errorf("registry-path is required")
	}
	return nil
}

// registerConfigFlags declares the shared config flags on fs with their
// defaults. Flag names double as koanf keys.
func registerConfigFlags(fs *pflag.FlagSet) {
	fs.String("plugins-dir", xdg.PluginsDir(), "plugin install directory")
	fs.String("registry-path", xdg.RegistryPath(), "plugin registry file")
	fs.String("backups-dir", xdg.BackupsDir(), "update backup directory")
	fs.String("metrics-addr", "127.0.0.1:9100", "metrics/health HTTP address (empty = disabled)")
	fs.String("log-format", "json", "log format (json or text)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Int("rate-burst", host.DefaultBurstCapacity, "intent dispatch burst capacity per caller")
	fs.Float64("rate-sustained", host.DefaultSustainedRate, "sustained intent dispatches per second per caller")
	fs.Duration("monitor-interval", 0, "resource monitor interval (0 = default)")
}

// loadConfig merges the optional YAML config file and flags into a
// hostConfig. Flags set on the command line win over the file.
func loadConfig(fs *pflag.FlagSet) (*hostConfig, error) {
	k := koanf.New(".")

	if configFile != "" {
		if _, err := os.Stat(configFile); err != nil {
			return nil, fmt.Errorf("config file %s: %w", configFile, err)
		}
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configFile, err)
		}
	}

	if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	cfg := &hostConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
