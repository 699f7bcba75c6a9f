// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lumina-assist/lumina/internal/plugin"
)

// NewSchemaCmd creates the schema subcommand.
func NewSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the plugin.yaml JSON Schema",
		Long: `Print the JSON Schema for plugin.yaml manifests, for editor
integration and CI validation of plugin packages.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := plugin.GenerateSchema()
			if err != nil {
				return fmt.Errorf("failed to generate schema: %w", err)
			}
			cmd.Println(string(data))
			return nil
		},
	}
}
