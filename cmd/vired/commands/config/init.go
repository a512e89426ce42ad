package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vire-cms/vire/internal/cli/prompt"
	"github.com/vire-cms/vire/pkg/cmsserver/api"
	"github.com/vire-cms/vire/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample vired configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/vire/config.yaml.
Use --config to specify a custom path. An existing file is only replaced
after confirmation, or with --force.

Examples:
  # Initialize with default location
  vired config init

  # Initialize with custom path
  vired config init --config /etc/vire/config.yaml

  # Overwrite without asking
  vired config init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	force := initForce
	if _, err := os.Stat(configPath); err == nil && !force {
		ok, err := prompt.Confirm(fmt.Sprintf("Overwrite %s", configPath), false)
		if err != nil {
			if prompt.IsAborted(err) {
				return nil
			}
			return err
		}
		if !ok {
			return nil
		}
		force = true
	}

	if err := config.InitConfigToPath(configPath, force); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file created at: %s\n", configPath)
	_, _ = fmt.Fprintln(out, "\nNext steps:")
	_, _ = fmt.Fprintln(out, "  1. Describe your resources, roles, users and use-case models")
	_, _ = fmt.Fprintln(out, "  2. Hash user passwords with: vired user hash")
	_, _ = fmt.Fprintf(out, "  3. Start the server with: vired start --config %s\n", configPath)
	_, _ = fmt.Fprintln(out, "\nSecurity note:")
	_, _ = fmt.Fprintln(out, "  A random JWT secret has been generated for development use.")
	_, _ = fmt.Fprintf(out, "  For production, set it through the environment: export %s=$(openssl rand -hex 32)\n", api.EnvAPISecret)
	return nil
}
