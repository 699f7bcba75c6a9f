// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lumina-assist/lumina/internal/plugin"
	"github.com/lumina-assist/lumina/internal/plugin/host"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	var checkCompat bool

	cmd := &cobra.Command{
		Use:   "validate <package-dir>",
		Short: "Validate a plugin package without installing it",
		Long: `Validate a plugin package: check its manifest against the schema
and the semantic rules, and confirm the entry module exists. With
--compat, additionally run the compatibility check against the
installed plugin set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]

			data, err := os.ReadFile(filepath.Join(dir, plugin.ManifestFileName)) //nolint:gosec // user-supplied path
			if err != nil {
				return fmt.Errorf("cannot read manifest: %w", err)
			}
			if err := plugin.ValidateSchema(data); err != nil {
				return fmt.Errorf("manifest schema: %s", plugin.FormatSchemaError(err))
			}
			meta, err := plugin.ParseManifest(data)
			if err != nil {
				return fmt.Errorf("manifest: %w", err)
			}
			if _, err := os.Stat(filepath.Join(dir, meta.Entry)); err != nil {
				return fmt.Errorf("entry module %s: %w", meta.Entry, err)
			}

			if !checkCompat {
				cmd.Printf("%s %s: valid\n", meta.ID, meta.Version)
				return nil
			}

			return withManager(cmd, func(_ context.Context, m *host.Manager) error {
				_, result, err := m.Check(dir)
				if err != nil {
					return err
				}
				cmd.Printf("%s %s: valid, compatibility score %d/100\n",
					meta.ID, meta.Version, result.Score)
				for _, issue := range result.Issues {
					cmd.Printf("  issue (%s): %s\n", issue.Type, issue.Message)
				}
				for _, warn := range result.Warnings {
					cmd.Printf("  warning (%s): %s\n", warn.Type, warn.Message)
				}
				if !result.Compatible {
					return fmt.Errorf("plugin is incompatible with this host")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&checkCompat, "compat", false, "also run the compatibility check")
	registerConfigFlags(cmd.Flags())
	return cmd
}
