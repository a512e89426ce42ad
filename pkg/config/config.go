package config

import (
	"time"

	"github.com/vire-cms/vire/pkg/cmsserver/api"
	"github.com/vire-cms/vire/pkg/reservation/store"
)

// Config represents the vired configuration.
//
// Static aspects of the server (logging, telemetry, API, persistence) sit
// next to the control system description: the resource catalog, the roles
// grouping resources, the users allowed to reserve, the use-case models and
// the statically configured sessions (root session included).
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (VIRE_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// API contains the control API server configuration
	API api.APIConfig `mapstructure:"api" yaml:"api"`

	// Database selects the reservation store backend
	Database store.Config `mapstructure:"database" yaml:"database"`

	// Transport selects the message bus events are forwarded to
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`

	// Server contains run loop settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Resources is the resource catalog
	Resources []ResourceConfig `mapstructure:"resources" validate:"dive" yaml:"resources"`

	// Roles group catalog resources
	Roles []RoleConfig `mapstructure:"roles" validate:"dive" yaml:"roles"`

	// Users may reserve sessions and connect to them
	Users []UserConfig `mapstructure:"users" validate:"dive" yaml:"users"`

	// UseCases holds the use-case model database
	UseCases UseCasesConfig `mapstructure:"usecases" yaml:"usecases"`

	// Sessions are reserved at startup. Each entry is a session property
	// set; the entry with "root: true" is the root session.
	Sessions []map[string]any `mapstructure:"sessions" yaml:"sessions,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317"
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use a non-TLS connection
	// Default: true
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL)
	// Default: "http://localhost:4040"
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	// Default: cpu, alloc_objects, alloc_space, inuse_objects, inuse_space, goroutines
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// TransportConfig selects the bus session events are published on.
type TransportConfig struct {
	// Type is "memory" (in-process) or "redis"
	// Default: memory
	Type string `mapstructure:"type" validate:"required,oneof=memory redis" yaml:"type"`

	// EventsAddress is the "domain/name" destination of forwarded events.
	// Empty disables forwarding.
	EventsAddress string `mapstructure:"events_address" yaml:"events_address,omitempty"`

	// EmitterID identifies this server in message headers.
	// Default: "vired"
	EmitterID string `mapstructure:"emitter_id" yaml:"emitter_id"`

	// Buffer is the per-subscription delivery buffer
	// Default: 64
	Buffer int `mapstructure:"buffer" validate:"gte=0" yaml:"buffer"`

	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig configures the Redis pub/sub bus.
type RedisConfig struct {
	// Address is the Redis server host:port
	// Default: "localhost:6379"
	Address string `mapstructure:"address" yaml:"address"`

	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" validate:"gte=0" yaml:"db"`

	// Prefix is prepended to every Redis channel name
	// Default: "vire"
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// ServerConfig contains session manager settings.
type ServerConfig struct {
	// TickInterval is the period of the manager run loop
	// Default: 1s
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"gt=0" yaml:"tick_interval"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// Default: 30s
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`

	// CheckUCFactory requires every use-case type of a model to be
	// registered before a session may use it.
	// Default: false
	CheckUCFactory bool `mapstructure:"check_uc_factory" yaml:"check_uc_factory"`

	// ReservationsDir is watched for session property files (*.yaml,
	// *.yml, *.json) to reserve. Empty disables the watcher.
	ReservationsDir string `mapstructure:"reservations_dir" yaml:"reservations_dir,omitempty"`
}

// ResourceConfig is one catalog entry.
type ResourceConfig struct {
	ID   int32  `mapstructure:"id" validate:"gte=0" yaml:"id"`
	Path string `mapstructure:"path" validate:"required,startswith=/" yaml:"path"`

	// Access is read, write or readwrite
	// Default: readwrite
	Access string `mapstructure:"access" yaml:"access,omitempty"`

	// Cardinality is unlimited, exclusive or limited=N
	// Default: unlimited
	Cardinality string `mapstructure:"cardinality" yaml:"cardinality,omitempty"`
}

// RoleConfig groups resources. Paths ending with "/" select a subtree.
type RoleConfig struct {
	ID            int32    `mapstructure:"id" yaml:"id"`
	Name          string   `mapstructure:"name" validate:"required" yaml:"name"`
	Group         string   `mapstructure:"group" yaml:"group,omitempty"`
	Functional    []string `mapstructure:"functional" yaml:"functional,omitempty"`
	Distributable []string `mapstructure:"distributable" yaml:"distributable,omitempty"`
}

// UserConfig declares a user. Generate hashes with "vired user hash".
type UserConfig struct {
	Login        string   `mapstructure:"login" validate:"required" yaml:"login"`
	PasswordHash string   `mapstructure:"password_hash" validate:"required" yaml:"password_hash"`
	FullName     string   `mapstructure:"full_name" yaml:"full_name,omitempty"`
	Roles        []string `mapstructure:"roles" yaml:"roles,omitempty"`

	// Disabled users cannot log in or connect.
	Disabled bool `mapstructure:"disabled" yaml:"disabled,omitempty"`
}

// UseCasesConfig holds the use-case models.
type UseCasesConfig struct {
	Models []ModelConfig `mapstructure:"models" validate:"dive" yaml:"models"`
}

// ModelConfig describes one use-case model.
type ModelConfig struct {
	Name        string           `mapstructure:"name" validate:"required" yaml:"name"`
	TypeID      string           `mapstructure:"type_id" validate:"required" yaml:"type_id"`
	Description string           `mapstructure:"description" yaml:"description,omitempty"`
	Composition []DaughterConfig `mapstructure:"composition" validate:"dive" yaml:"composition,omitempty"`
	Config      map[string]any   `mapstructure:"config" yaml:"config,omitempty"`
}

// DaughterConfig names a daughter of a composite model.
type DaughterConfig struct {
	Name   string         `mapstructure:"name" validate:"required" yaml:"name"`
	Model  string         `mapstructure:"model" validate:"required" yaml:"model"`
	Config map[string]any `mapstructure:"config" yaml:"config,omitempty"`
}
