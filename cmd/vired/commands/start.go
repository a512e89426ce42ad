package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vire-cms/vire/internal/logger"
	"github.com/vire-cms/vire/internal/telemetry"
	"github.com/vire-cms/vire/pkg/cmsserver"
	"github.com/vire-cms/vire/pkg/config"
)

var pidFile string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the vired server",
	Long: `Start the vired server in the foreground.

The server books the sessions listed in the configuration (root session
included), activates reservations when their window opens and serves the
control API until it receives SIGINT or SIGTERM.

Examples:
  # Start with default config location
  vired start

  # Start with custom config file
  vired start --config /etc/vire/config.yaml

  # Override the log level
  VIRE_LOGGING_LEVEL=DEBUG vired start`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Write the process ID to this file")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "vired",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.KeyError, err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "vired",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.KeyError, err)
		}
	}()

	logger.Info("vired starting", "version", Version, "commit", Commit)
	logger.Info("configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if cfg.Telemetry.Profiling.Enabled {
		logger.Info("profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint)
	}

	srv, err := cmsserver.New(cfg, Version)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	logger.Info("server configured",
		logger.KeyStoreType, cfg.Database.Type,
		"resources", len(cfg.Resources),
		"roles", len(cfg.Roles),
		"models", len(cfg.UseCases.Models),
		"api_port", cfg.API.Port)

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("server is running, press Ctrl+C to stop")

	select {
	case <-sigChan:
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()
		if err := <-serverDone; err != nil {
			logger.Error("server shutdown error", logger.KeyError, err)
			return err
		}
		logger.Info("server stopped gracefully")

	case err := <-serverDone:
		if err != nil {
			logger.Error("server error", logger.KeyError, err)
			return err
		}
		logger.Info("server stopped")
	}
	return nil
}
