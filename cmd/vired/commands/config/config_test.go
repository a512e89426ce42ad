package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vire-cms/vire/pkg/cmsserver/api"
	"github.com/vire-cms/vire/pkg/config"
)

func TestSchema(t *testing.T) {
	schema := Schema()
	assert.Equal(t, "Vire Configuration", schema.Title)

	data, err := json.Marshal(schema)
	require.NoError(t, err)

	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"logging", "api", "database", "transport", "server", "resources", "roles", "users", "usecases", "sessions"} {
		assert.Contains(t, doc.Properties, key)
	}
}

func TestWarnings(t *testing.T) {
	t.Setenv(api.EnvAPISecret, "")

	cfg := config.GetDefaultConfig()
	warnings := Warnings(cfg)
	assert.Len(t, warnings, 4)

	cfg.API.JWT.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Users = []config.UserConfig{{Login: "alice", PasswordHash: "x"}}
	cfg.Sessions = []map[string]any{{"key": "root", "root": true}}
	cfg.Database.Type = "sqlite"
	assert.Empty(t, Warnings(cfg))
}
