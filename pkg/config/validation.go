package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vire-cms/vire/pkg/resource"
	"github.com/vire-cms/vire/pkg/transport"
)

// minJWTSecretLength matches the requirement of the API token service.
const minJWTSecretLength = 32

var validate = validator.New()

// Validate checks struct tags first, then the cross references between
// sections: unique resource ids and paths, parsable cardinalities, roles
// referenced by users, unique model names and at most one root session.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry: endpoint is required when tracing is enabled")
	}
	if cfg.Telemetry.Profiling.Enabled && cfg.Telemetry.Profiling.Endpoint == "" {
		return fmt.Errorf("telemetry: profiling endpoint is required when profiling is enabled")
	}
	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if secret := cfg.API.GetJWTSecret(); secret != "" && len(secret) < minJWTSecretLength {
		return fmt.Errorf("api: jwt secret must be at least %d characters", minJWTSecretLength)
	}
	if cfg.Transport.EventsAddress != "" {
		if _, err := transport.ParseAddress(cfg.Transport.EventsAddress); err != nil {
			return fmt.Errorf("transport: %w", err)
		}
	}
	if err := validateResources(cfg.Resources); err != nil {
		return err
	}
	if err := validateRolesAndUsers(cfg.Roles, cfg.Users); err != nil {
		return err
	}
	if err := validateModels(cfg.UseCases.Models); err != nil {
		return err
	}
	return validateSessions(cfg.Sessions)
}

func validateResources(resources []ResourceConfig) error {
	ids := make(map[int32]string, len(resources))
	paths := make(map[string]bool, len(resources))
	for _, r := range resources {
		if prev, dup := ids[r.ID]; dup {
			return fmt.Errorf("resources: id %d used by %s and %s", r.ID, prev, r.Path)
		}
		ids[r.ID] = r.Path
		if paths[r.Path] {
			return fmt.Errorf("resources: duplicate path %s", r.Path)
		}
		paths[r.Path] = true
		if _, err := resource.ParseAccessMode(r.Access); err != nil {
			return fmt.Errorf("resources: %s: %w", r.Path, err)
		}
		if _, err := resource.ParseCardinality(r.Cardinality); err != nil {
			return fmt.Errorf("resources: %s: %w", r.Path, err)
		}
	}
	return nil
}

func validateRolesAndUsers(roles []RoleConfig, users []UserConfig) error {
	names := make(map[string]bool, len(roles))
	for _, r := range roles {
		if names[r.Name] {
			return fmt.Errorf("roles: duplicate role %s", r.Name)
		}
		names[r.Name] = true
	}

	logins := make(map[string]bool, len(users))
	for _, u := range users {
		if logins[u.Login] {
			return fmt.Errorf("users: duplicate login %s", u.Login)
		}
		logins[u.Login] = true
		if !strings.HasPrefix(u.PasswordHash, "$2") {
			return fmt.Errorf("users: %s: password_hash is not a bcrypt hash", u.Login)
		}
		for _, role := range u.Roles {
			if !names[role] {
				return fmt.Errorf("users: %s: unknown role %s", u.Login, role)
			}
		}
	}
	return nil
}

func validateModels(models []ModelConfig) error {
	names := make(map[string]bool, len(models))
	for _, m := range models {
		if names[m.Name] {
			return fmt.Errorf("usecases: duplicate model %s", m.Name)
		}
		names[m.Name] = true
	}
	return nil
}

func validateSessions(sessions []map[string]any) error {
	roots := 0
	for i, props := range sessions {
		if isRoot(props) {
			roots++
		}
		if _, ok := props["key"]; !ok {
			return fmt.Errorf("sessions[%d]: key is not set", i)
		}
	}
	if roots > 1 {
		return fmt.Errorf("sessions: %d entries are flagged root, at most one is allowed", roots)
	}
	return nil
}
