package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the Lumina CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lumina",
		Short: "Lumina - accessibility assistant plugin host",
		Long: `Lumina hosts voice-assistant plugins: sandboxed Lua modules and
supervised binary plugins, with a durable registry, compatibility
checking, and hot-swap updates.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(NewHostCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewSchemaCmd())
	cmd.AddCommand(NewPluginsCmd())
	cmd.AddCommand(NewInstallCmd())
	cmd.AddCommand(NewEnableCmd())
	cmd.AddCommand(NewDisableCmd())
	cmd.AddCommand(NewUninstallCmd())
	cmd.AddCommand(NewUpdateCmd())

	return cmd
}
