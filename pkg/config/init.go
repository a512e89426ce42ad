package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// InitConfig writes a sample configuration file at the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration file at path. The JWT
// secret is generated.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
	}

	secret, err := generateSecret()
	if err != nil {
		return fmt.Errorf("failed to generate JWT secret: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf(sampleConfig, secret)), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

const sampleConfig = `# Vire Configuration File
#
# Values can be overridden with VIRE_* environment variables, e.g.
# VIRE_LOGGING_LEVEL=DEBUG.

logging:
  level: INFO        # DEBUG, INFO, WARN, ERROR
  format: text       # text, json
  output: stdout     # stdout, stderr or a file path

telemetry:
  enabled: false
  endpoint: localhost:4317
  insecure: true
  sample_rate: 1.0
  profiling:
    enabled: false
    endpoint: http://localhost:4040

metrics:
  enabled: false
  port: 9090

api:
  port: 8080
  jwt:
    secret: "%s"
    access_token_duration: 1h
  rate_limit:
    requests_per_second: 5
    burst: 10

# Reservation store: memory, sqlite, postgres or badger
database:
  type: memory
  # sqlite:
  #   path: /var/lib/vire/reservations.db
  # badger:
  #   path: /var/lib/vire/badger

transport:
  type: memory       # memory, redis
  emitter_id: vired
  # events_address: vire.cms.events/sessions
  # redis:
  #   address: localhost:6379
  #   prefix: vire

server:
  tick_interval: 1s
  shutdown_timeout: 30s
  check_uc_factory: false
  # reservations_dir: /var/lib/vire/reservations

# Resource catalog. cardinality: unlimited, exclusive or limited=N
resources:
  - id: 1
    path: /site/monitoring/temperature
    access: read
  - id: 2
    path: /site/monitoring/pressure
    access: read
  - id: 10
    path: /site/control/valve
    access: readwrite
    cardinality: exclusive

# Paths ending with "/" select every resource below them.
roles:
  - id: 1
    name: observer
    functional:
      - /site/monitoring/
  - id: 2
    name: operator
    functional:
      - /site/control/valve
    distributable:
      - /site/monitoring/

# Generate password hashes with: vired user hash
users: []
#  - login: alice
#    password_hash: "$2a$10$..."
#    roles: [operator]

usecases:
  models:
    - name: Monitor
      type_id: vire::cms::resource_monitor
      description: Samples the functional resources every period
      config:
        period: 10s
    - name: Calibration
      type_id: vire::cms::sequential_use_case
      composition:
        - name: warmup
          model: Warmup
        - name: sweep
          model: Warmup
          config:
            duration: 20m
    - name: Warmup
      type_id: vire::cms::dummy_use_case
      config:
        duration: 10m

sessions:
  - root: true
    key: root
    role: observer
    when: "(now ; 3650 day)"
    usecase: Monitor
`
