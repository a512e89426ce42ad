package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override: VIRE_LOGGING_LEVEL=DEBUG
// sets logging.level.
const EnvPrefix = "VIRE"

// Load reads the configuration at path (or the default location when path
// is empty), applies VIRE_* overrides and defaults, and validates the
// result. Without a file the defaults are returned.
func Load(path string) (*Config, error) {
	v := newViper(path)

	found, err := readIn(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return GetDefaultConfig(), nil
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// MustLoad is Load for commands: a missing file is an error that tells the
// user how to create one.
func MustLoad(path string) (*Config, error) {
	path, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func resolvePath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("configuration file not found: %s\n\n"+
				"Create it with:\n"+
				"  vired config init --config %s", path, path)
		}
		return path, nil
	}
	if !DefaultConfigExists() {
		return "", fmt.Errorf("no configuration file found at default location: %s\n\n"+
			"Initialize one with:\n"+
			"  vired config init\n\n"+
			"or pass a file:\n"+
			"  vired <command> --config /path/to/config.yaml", GetDefaultConfigPath())
	}
	return GetDefaultConfigPath(), nil
}

// SaveConfig writes cfg as YAML. The file is private to its owner since it
// carries password hashes and the JWT secret.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		return v
	}
	// config.yaml or config.toml under ConfigDir
	v.AddConfigPath(ConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	return v
}

func readIn(v *viper.Viper) (found bool, err error) {
	err = v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationHook,
		mapstructure.StringToSliceHookFunc(","),
	)
}

var durationType = reflect.TypeOf(time.Duration(0))

// durationHook accepts "30s" style strings. Bare numbers are nanoseconds.
func durationHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return time.ParseDuration(v)
	case int:
		return time.Duration(v), nil
	case int64:
		return time.Duration(v), nil
	case float64:
		return time.Duration(v), nil
	}
	return data, nil
}

// ConfigDir is $XDG_CONFIG_HOME/vire, else ~/.config/vire, else ".".
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "vire")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "vire")
	}
	return "."
}

// GetDefaultConfigPath is config.yaml under ConfigDir.
func GetDefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a file exists at GetDefaultConfigPath.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
