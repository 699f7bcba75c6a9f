// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/lumina-assist/lumina/internal/logging"
	"github.com/lumina-assist/lumina/internal/observability"
	"github.com/lumina-assist/lumina/internal/plugin/host"
)

// shutdownTimeout bounds graceful shutdown of the observability server.
const shutdownTimeout = 10 * time.Second

// NewHostCmd creates the host subcommand.
func NewHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run the plugin host",
		Long: `Run the plugin host: discover installed plugins, restore enabled
ones, and serve intent dispatch until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			return runHost(cmd.Context(), cfg)
		},
	}
	registerConfigFlags(cmd.Flags())
	return cmd
}

func runHost(ctx context.Context, cfg *hostConfig) error {
	logging.SetDefault("lumina", version, cfg.LogFormat, logging.ParseLevel(cfg.LogLevel))

	slog.Info("starting plugin host",
		"host_version", hostAPIVersion,
		"plugins_dir", cfg.PluginsDir,
		"registry", cfg.RegistryPath,
	)

	var (
		obs        *observability.Server
		obsErrs    <-chan error
		registerer prometheus.Registerer
		ready      atomic.Bool
	)
	if cfg.MetricsAddr != "" {
		obs = observability.NewServer(cfg.MetricsAddr, ready.Load)
		registerer = obs.Registry()

		var err error
		obsErrs, err = obs.Start()
		if err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := obs.Stop(shutdownCtx); err != nil {
				slog.Error("observability server shutdown failed", "error", err)
			}
		}()
	}

	manager, err := host.New(host.Config{
		HostVersion:  hostAPIVersion,
		InstallRoot:  cfg.PluginsDir,
		RegistryPath: cfg.RegistryPath,
		BackupRoot:   cfg.BackupsDir,
		RateLimit: host.RateLimiterConfig{
			BurstCapacity: cfg.RateBurst,
			SustainedRate: cfg.RateSustained,
		},
		MonitorInterval: cfg.MonitorInterval,
		Registerer:      registerer,
	})
	if err != nil {
		return fmt.Errorf("failed to start plugin manager: %w", err)
	}
	defer manager.Close(context.Background())

	if err := manager.Sync(ctx); err != nil {
		return fmt.Errorf("startup sync failed: %w", err)
	}
	ready.Store(true)

	stats := manager.Stats()
	slog.Info("plugin host ready",
		"installed", stats.Installed,
		"enabled", stats.Enabled,
		"intents", stats.Intents,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("shutting down", "reason", "context cancelled")
	case err, ok := <-obsErrsOrNever(obsErrs):
		if ok {
			return fmt.Errorf("observability server failed: %w", err)
		}
	}
	return nil
}

// obsErrsOrNever returns ch, or a channel that never delivers when
// metrics are disabled, so the select above stays uniform.
func obsErrsOrNever(ch <-chan error) <-chan error {
	if ch != nil {
		return ch
	}
	return make(chan error)
}
