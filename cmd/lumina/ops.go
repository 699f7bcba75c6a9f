// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lumina-assist/lumina/internal/logging"
	"github.com/lumina-assist/lumina/internal/plugin/host"
	"github.com/lumina-assist/lumina/internal/plugin/updater"
)

// withManager runs fn against a one-shot manager built from the
// command's flags, closing it afterwards. Used by the plugin lifecycle
// commands; the long-running path lives in the host command.
func withManager(cmd *cobra.Command, fn func(ctx context.Context, m *host.Manager) error) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	logging.SetDefault("lumina", version, "text", logging.ParseLevel(cfg.LogLevel))

	manager, err := host.New(host.Config{
		HostVersion:  hostAPIVersion,
		InstallRoot:  cfg.PluginsDir,
		RegistryPath: cfg.RegistryPath,
		BackupRoot:   cfg.BackupsDir,
	})
	if err != nil {
		return err
	}
	defer manager.Close(context.Background())

	return fn(cmd.Context(), manager)
}

// NewInstallCmd creates the install subcommand.
func NewInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <package-dir>",
		Short: "Install a plugin package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *host.Manager) error {
				entry, err := m.Install(ctx, args[0])
				if err != nil {
					return err
				}
				cmd.Printf("installed %s %s (%s)\n",
					entry.Metadata.ID, entry.Metadata.Version, entry.Status)
				return nil
			})
		},
	}
	registerConfigFlags(cmd.Flags())
	return cmd
}

// NewEnableCmd creates the enable subcommand.
func NewEnableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enable <plugin-id>",
		Short: "Enable an installed plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *host.Manager) error {
				if err := m.Enable(ctx, args[0]); err != nil {
					return err
				}
				cmd.Printf("enabled %s\n", args[0])
				return nil
			})
		},
	}
	registerConfigFlags(cmd.Flags())
	return cmd
}

// NewDisableCmd creates the disable subcommand.
func NewDisableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disable <plugin-id>",
		Short: "Disable an enabled plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *host.Manager) error {
				if err := m.Disable(ctx, args[0]); err != nil {
					return err
				}
				cmd.Printf("disabled %s\n", args[0])
				return nil
			})
		},
	}
	registerConfigFlags(cmd.Flags())
	return cmd
}

// NewUninstallCmd creates the uninstall subcommand.
func NewUninstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uninstall <plugin-id>",
		Short: "Uninstall a plugin and remove its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *host.Manager) error {
				if err := m.Uninstall(ctx, args[0]); err != nil {
					return err
				}
				cmd.Printf("uninstalled %s\n", args[0])
				return nil
			})
		},
	}
	registerConfigFlags(cmd.Flags())
	return cmd
}

// updatePollInterval is how often the update command polls its task.
const updatePollInterval = 200 * time.Millisecond

// NewUpdateCmd creates the update subcommand.
func NewUpdateCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "update <plugin-id> <package-dir>",
		Short: "Update an installed plugin to the package at package-dir",
		Long: `Queue a hot-swap update and wait for it to finish. The previous
version is backed up and restored automatically if the update fails.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *host.Manager) error {
				task, err := m.Update(args[0], args[1], force)
				if err != nil {
					return err
				}
				cmd.Printf("queued update %s: %s -> %s\n",
					task.ID, task.FromVersion, task.ToVersion)

				ticker := time.NewTicker(updatePollInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-ticker.C:
					}

					done := false
					for _, t := range m.UpdateTasks() {
						if t.ID != task.ID {
							continue
						}
						switch t.Status {
						case updater.StatusCompleted:
							cmd.Printf("update completed: %s is now %s\n", t.PluginID, t.ToVersion)
							done = true
						case updater.StatusFailed:
							if t.RolledBack {
								return fmt.Errorf("update failed in phase %s (rolled back to %s): %s",
									t.Phase, t.FromVersion, t.Error)
							}
							if t.RollbackError != "" {
								return fmt.Errorf("update failed in phase %s and rollback failed (%s): %s",
									t.Phase, t.RollbackError, t.Error)
							}
							return fmt.Errorf("update failed in phase %s: %s", t.Phase, t.Error)
						case updater.StatusQueued, updater.StatusProcessing:
						}
					}
					if done {
						return nil
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "proceed despite breaking changes or version downgrade")
	registerConfigFlags(cmd.Flags())
	return cmd
}
