// Package commands implements the vired command line.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/vire-cms/vire/cmd/vired/commands/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "vired",
	Short: "Vire - control system session manager",
	Long: `vired books sessions over the resources of a control system, runs
their use cases and lets users connect to them through the control API.

Use "vired [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/vire/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(config.Cmd)
	rootCmd.AddCommand(usecaseCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(userCmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
