package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vire-cms/vire/internal/cli/output"
	"github.com/vire-cms/vire/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the vired configuration file.

Checks for syntax errors, missing required fields and invalid values,
then builds the resource catalog, the users and the use-case model
database the way the server does at startup.

Examples:
  vired config validate
  vired config validate --config /etc/vire/config.yaml`,
	RunE: runConfigValidate,
}

// Warnings returns non-fatal problems of a loaded configuration.
func Warnings(cfg *config.Config) []string {
	var warnings []string
	if !cfg.API.HasJWTSecret() {
		warnings = append(warnings, "JWT secret not configured - the API server will not start")
	}
	if len(cfg.Users) == 0 {
		warnings = append(warnings, "No users configured - nobody can log in")
	}
	if root, _ := cfg.SessionEntries(); root == nil {
		warnings = append(warnings, "No root session configured")
	}
	if cfg.Database.Type == "memory" {
		warnings = append(warnings, "Memory reservation store - reservations are lost on restart")
	}
	return warnings
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}
	if _, err := cfg.BuildCatalog(); err != nil {
		return fmt.Errorf("resource catalog: %w", err)
	}
	if _, err := cfg.BuildUsers(); err != nil {
		return fmt.Errorf("users: %w", err)
	}
	if _, err := cfg.BuildModelDB(); err != nil {
		return fmt.Errorf("use-case models: %w", err)
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", displayPath)
	_, _ = fmt.Fprintln(out, "Validation: OK")

	if warnings := Warnings(cfg); len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	_, _ = fmt.Fprintln(out, "\nConfiguration summary:")
	return output.KeyValues(out, [][2]string{
		{"Database type", string(cfg.Database.Type)},
		{"Transport", cfg.Transport.Type},
		{"API port", fmt.Sprint(cfg.API.Port)},
		{"Log level", cfg.Logging.Level},
		{"Resources", fmt.Sprint(len(cfg.Resources))},
		{"Roles", fmt.Sprint(len(cfg.Roles))},
		{"Users", fmt.Sprint(len(cfg.Users))},
		{"Models", fmt.Sprint(len(cfg.UseCases.Models))},
		{"Sessions", fmt.Sprint(len(cfg.Sessions))},
	})
}
