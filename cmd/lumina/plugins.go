// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lumina-assist/lumina/internal/plugin/host"
	"github.com/lumina-assist/lumina/internal/plugin/registry"
)

// NewPluginsCmd creates the plugins subcommand group.
func NewPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect installed plugins",
	}
	cmd.AddCommand(newPluginsListCmd())
	cmd.AddCommand(newPluginsSearchCmd())
	cmd.AddCommand(newPluginsInfoCmd())
	cmd.AddCommand(newPluginsCheckUpdatesCmd())
	return cmd
}

func newPluginsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, func(_ context.Context, m *host.Manager) error {
				printEntries(cmd, m.List())
				return nil
			})
		},
	}
	registerConfigFlags(cmd.Flags())
	return cmd
}

func newPluginsSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search installed plugins",
		Long: `Search installed plugins. Queries are words matched against id,
name, description, and keywords, or field-qualified terms:

  lumina plugins search weather
  lumina plugins search status:enabled keyword:voice
  lumina plugins search author:"Jane Doe"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(_ context.Context, m *host.Manager) error {
				entries, err := m.Search(strings.Join(args, " "))
				if err != nil {
					return err
				}
				printEntries(cmd, entries)
				return nil
			})
		},
	}
	registerConfigFlags(cmd.Flags())
	return cmd
}

func newPluginsInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <plugin-id>",
		Short: "Show one plugin's details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(_ context.Context, m *host.Manager) error {
				entry := m.Get(args[0])
				if entry == nil {
					return fmt.Errorf("plugin %s is not installed", args[0])
				}
				printEntryDetail(cmd, entry)
				return nil
			})
		},
	}
	registerConfigFlags(cmd.Flags())
	return cmd
}

func newPluginsCheckUpdatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-updates [plugin-id]",
		Short: "Check installed plugins for newer on-disk versions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(_ context.Context, m *host.Manager) error {
				pluginID := ""
				if len(args) == 1 {
					pluginID = args[0]
				}
				candidates, err := m.CheckForUpdates(pluginID)
				if err != nil {
					return err
				}
				if len(candidates) == 0 {
					cmd.Println("all plugins are up to date")
					return nil
				}
				for _, c := range candidates {
					cmd.Printf("%s: %s -> %s\n", c.PluginID, c.Current, c.Available)
				}
				return nil
			})
		},
	}
	registerConfigFlags(cmd.Flags())
	return cmd
}

func printEntries(cmd *cobra.Command, entries []*registry.Entry) {
	if len(entries) == 0 {
		cmd.Println("no plugins")
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Metadata.ID < entries[j].Metadata.ID
	})

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSTATUS\tINTENTS\tNAME")
	for _, entry := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			entry.Metadata.ID,
			entry.Metadata.Version,
			entry.Status,
			len(entry.Metadata.Intents),
			entry.Metadata.Name,
		)
	}
	w.Flush() //nolint:errcheck,gosec // terminal output
}

func printEntryDetail(cmd *cobra.Command, entry *registry.Entry) {
	meta := entry.Metadata
	cmd.Printf("%s %s (%s)\n", meta.ID, meta.Version, entry.Status)
	cmd.Printf("  name:         %s\n", meta.Name)
	if meta.Description != "" {
		cmd.Printf("  description:  %s\n", meta.Description)
	}
	if meta.Author != "" {
		cmd.Printf("  author:       %s\n", meta.Author)
	}
	cmd.Printf("  runtime:      %s\n", meta.Runtime)
	cmd.Printf("  host-version: %s\n", meta.HostVersion)
	cmd.Printf("  install path: %s\n", entry.InstallPath)
	if entry.ErrorMessage != "" {
		cmd.Printf("  error:        %s\n", entry.ErrorMessage)
	}
	if len(meta.Intents) > 0 {
		cmd.Println("  intents:")
		for _, intent := range meta.Intents {
			cmd.Printf("    %s (%d parameters)\n", intent.ID, len(intent.Parameters))
		}
	}
	if len(meta.Permissions) > 0 {
		cmd.Println("  permissions:")
		for _, p := range meta.Permissions {
			cmd.Printf("    %s.%s.%s\n", p.Type, p.Resource, p.Access)
		}
	}
	if len(meta.Dependencies) > 0 {
		cmd.Println("  dependencies:")
		ids := make([]string, 0, len(meta.Dependencies))
		for id := range meta.Dependencies {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			cmd.Printf("    %s %s\n", id, meta.Dependencies[id])
		}
	}
	if !entry.Metrics.UpdatedAt.IsZero() {
		cmd.Printf("  usage: %.1f MB memory, %.1f%% cpu, %.1f KB/s network\n",
			entry.Metrics.MemoryMB, entry.Metrics.CPUPercent, entry.Metrics.NetworkKBps)
	}
}
