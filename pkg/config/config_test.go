package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vire-cms/vire/pkg/reservation/store"
)

// yamlSafePath converts a filesystem path to a YAML-safe representation.
// On Windows, backslashes in double-quoted YAML strings are interpreted as
// escape sequences (e.g. \U -> Unicode escape), causing parse errors.
func yamlSafePath(p string) string {
	return filepath.ToSlash(p)
}

const testSecret = "test-secret-key-for-testing-minimum-32-chars"

const catalogYAML = `
resources:
  - id: 1
    path: /dev1/temp
    access: read
  - id: 2
    path: /dev1/valve
    cardinality: exclusive
  - id: 3
    path: /dev2/hv
    cardinality: limited=2

roles:
  - id: 1
    name: expert
    functional: [/dev1/]
    distributable: [/dev2/hv]

users:
  - login: alice
    password_hash: "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z3ZqUqWGBaFK0VlJ2uNGzGzC"
    roles: [expert]

usecases:
  models:
    - name: Warmup
      type_id: vire::cms::dummy_use_case
      config:
        duration: 1m
    - name: Calib
      type_id: vire::cms::parallel_use_case
      composition:
        - name: a
          model: Warmup
        - name: b
          model: Warmup
          config:
            duration: 2m

sessions:
  - root: true
    key: root
    role: expert
    usecase: Warmup
  - key: calib
    role: expert
    when: "(now ; 1 hour)"
    usecase:
      model: Calib
`

func TestLoad_DefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "INFO"

database:
  type: sqlite
  sqlite:
    path: "` + yamlSafePath(tmpDir) + `/reservations.db"

api:
  port: 8080
  jwt:
    secret: "` + testSecret + `"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got %q", cfg.Logging.Output)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.TickInterval != time.Second {
		t.Errorf("Expected default tick_interval 1s, got %v", cfg.Server.TickInterval)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("Expected API port 8080, got %d", cfg.API.Port)
	}
	if cfg.Database.Type != store.TypeSQLite {
		t.Errorf("Expected sqlite database, got %q", cfg.Database.Type)
	}
	if cfg.Transport.Type != "memory" {
		t.Errorf("Expected default transport 'memory', got %q", cfg.Transport.Type)
	}
}

func TestLoad_Catalog(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(catalogYAML), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(cfg.Resources) != 3 {
		t.Fatalf("Expected 3 resources, got %d", len(cfg.Resources))
	}
	if cfg.Resources[0].Cardinality != "unlimited" {
		t.Errorf("Expected default cardinality 'unlimited', got %q", cfg.Resources[0].Cardinality)
	}
	if cfg.Resources[1].Access != "readwrite" {
		t.Errorf("Expected default access 'readwrite', got %q", cfg.Resources[1].Access)
	}
	if len(cfg.UseCases.Models) != 2 || len(cfg.UseCases.Models[1].Composition) != 2 {
		t.Fatalf("Expected 2 models with a 2-daughter composite, got %+v", cfg.UseCases.Models)
	}
	if got := cfg.UseCases.Models[1].Composition[1].Config["duration"]; got != "2m" {
		t.Errorf("Expected daughter config duration '2m', got %v", got)
	}
	if len(cfg.Sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(cfg.Sessions))
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	nonExistentPath := filepath.Join(tmpDir, "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error when loading default config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected default config to be returned")
	}
	if cfg.API.Port != 8080 {
		t.Errorf("Expected default API port 8080, got %d", cfg.API.Port)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	configContent := `
logging:
  level: INFO
  invalid yaml here [[[
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_TOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[logging]
level = "WARN"
format = "json"

[database]
type = "badger"

[database.badger]
in_memory = true

[server]
tick_interval = "250ms"

[api]
port = 8081
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format 'json', got %q", cfg.Logging.Format)
	}
	if cfg.Server.TickInterval != 250*time.Millisecond {
		t.Errorf("Expected tick interval 250ms, got %v", cfg.Server.TickInterval)
	}
	if !cfg.Database.Badger.InMemory {
		t.Error("Expected in-memory badger store")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
resources:
  - id: 1
    path: /a
  - id: 1
    path: /b
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected duplicate resource ids to fail validation")
	}
}

func TestMustLoad_MissingFile(t *testing.T) {
	_, err := MustLoad(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing config file")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Resources = []ResourceConfig{{ID: 7, Path: "/x", Access: "read", Cardinality: "exclusive"}}
	cfg.Roles = []RoleConfig{{Name: "r", Functional: []string{"/x"}}}
	if err := SaveConfig(cfg, configPath); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("Saved config missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to reload saved config: %v", err)
	}
	if len(loaded.Resources) != 1 || loaded.Resources[0].Cardinality != "exclusive" {
		t.Errorf("Expected the saved resource back, got %+v", loaded.Resources)
	}
	if loaded.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected shutdown timeout 30s, got %v", loaded.Server.ShutdownTimeout)
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default log format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("Expected default API port 8080, got %d", cfg.API.Port)
	}
	if cfg.Database.Type != store.TypeMemory {
		t.Errorf("Expected default memory store, got %q", cfg.Database.Type)
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := GetDefaultConfigPath()

	if !filepath.IsAbs(path) {
		t.Errorf("Expected absolute path, got %q", path)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("Expected filename 'config.yaml', got %q", filepath.Base(path))
	}
}

func TestConfigDir(t *testing.T) {
	dir := ConfigDir()

	if filepath.Base(dir) != "vire" {
		t.Errorf("Expected directory name 'vire', got %q", filepath.Base(dir))
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("VIRE_LOGGING_LEVEL", "ERROR")
	t.Setenv("VIRE_API_PORT", "9091")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "INFO"

api:
  port: 8080
  jwt:
    secret: "` + testSecret + `"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.API.Port != 9091 {
		t.Errorf("Expected port 9091 from env var, got %d", cfg.API.Port)
	}
}
