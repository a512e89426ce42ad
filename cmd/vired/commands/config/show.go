package config

import (
	"github.com/spf13/cobra"

	"github.com/vire-cms/vire/internal/cli/output"
	"github.com/vire-cms/vire/pkg/config"
)

var showOutput string

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long: `Display the effective vired configuration, defaults applied.

By default outputs YAML format. Use --output to change format.

Examples:
  vired config show
  vired config show --output json
  vired config show --config /etc/vire/config.yaml`,
	RunE: runConfigShow,
}

func init() {
	showCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(showOutput)
	if err != nil {
		return err
	}
	if format == output.FormatTable {
		format = output.FormatYAML
	}
	return output.Print(cmd.OutOrStdout(), format, cfg)
}
