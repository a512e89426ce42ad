package config

import (
	"strings"
	"time"

	"github.com/vire-cms/vire/pkg/cmsserver/api"
	"github.com/vire-cms/vire/pkg/reservation/store"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyAPIDefaults(&cfg.API)
	applyDatabaseDefaults(&cfg.Database)
	applyTransportDefaults(&cfg.Transport)
	applyServerDefaults(&cfg.Server)
	applyResourceDefaults(cfg.Resources)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyAPIDefaults(cfg *api.APIConfig) {
	cfg.ApplyDefaults()
}

func applyDatabaseDefaults(cfg *store.Config) {
	cfg.ApplyDefaults()
}

func applyTransportDefaults(cfg *TransportConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.EmitterID == "" {
		cfg.EmitterID = "vired"
	}
	if cfg.Buffer == 0 {
		cfg.Buffer = 64
	}
	if cfg.Type == "redis" {
		if cfg.Redis.Address == "" {
			cfg.Redis.Address = "localhost:6379"
		}
		if cfg.Redis.Prefix == "" {
			cfg.Redis.Prefix = "vire"
		}
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyResourceDefaults(resources []ResourceConfig) {
	for i := range resources {
		if resources[i].Access == "" {
			resources[i].Access = "readwrite"
		}
		if resources[i].Cardinality == "" {
			resources[i].Cardinality = "unlimited"
		}
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// The catalog, users, models and sessions are left empty.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Database: store.Config{
			Type: store.TypeMemory,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
