package api

import (
	"os"
	"time"

	"github.com/vire-cms/vire/internal/logger"
)

// EnvAPISecret is the name of the environment variable holding the JWT
// signing secret of the control API.
const EnvAPISecret = "VIRE_API_SECRET"

// APIConfig configures the control API HTTP server.
type APIConfig struct {
	// Port is the HTTP port for the API endpoints.
	// Default: 8080
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// ReadTimeout is the maximum duration for reading the entire request.
	// Default: 10s
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response.
	// Default: 10s
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the keep-alive idle timeout.
	// Default: 60s
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// JWT configures login tokens.
	JWT JWTConfig `mapstructure:"jwt" yaml:"jwt"`

	// RateLimit throttles login and reservation requests.
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// JWTConfig configures JWT token generation and validation.
type JWTConfig struct {
	// Secret is the HMAC signing key, at least 32 characters.
	// VIRE_API_SECRET takes precedence over the config file.
	Secret string `mapstructure:"secret" yaml:"secret"`

	// Issuer is the token issuer claim.
	// Default: "vire"
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	// AccessTokenDuration is the lifetime of access tokens.
	// Default: 1h
	AccessTokenDuration time.Duration `mapstructure:"access_token_duration" yaml:"access_token_duration"`

	// RefreshTokenDuration is the lifetime of refresh tokens.
	// Default: 24h
	RefreshTokenDuration time.Duration `mapstructure:"refresh_token_duration" yaml:"refresh_token_duration"`
}

// RateLimitConfig is a token bucket shared by all reservation requests.
type RateLimitConfig struct {
	// RequestsPerSecond is the refill rate. A negative value disables limiting.
	// Default: 5
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`

	// Burst is the bucket size.
	// Default: 10
	Burst int `mapstructure:"burst" validate:"gte=0" yaml:"burst"`
}

// ApplyDefaults fills in zero values.
func (c *APIConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "vire"
	}
	if c.JWT.AccessTokenDuration == 0 {
		c.JWT.AccessTokenDuration = time.Hour
	}
	if c.JWT.RefreshTokenDuration == 0 {
		c.JWT.RefreshTokenDuration = 24 * time.Hour
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}
}

// GetJWTSecret returns the JWT secret, preferring the environment variable.
func (c *APIConfig) GetJWTSecret() string {
	envSecret := os.Getenv(EnvAPISecret)
	if envSecret != "" {
		if c.JWT.Secret != "" && c.JWT.Secret != envSecret {
			logger.Warn("JWT secret from environment variable overrides config file value",
				"env_var", EnvAPISecret)
		}
		return envSecret
	}
	return c.JWT.Secret
}

// HasJWTSecret returns whether a JWT secret is configured.
func (c *APIConfig) HasJWTSecret() bool {
	return c.GetJWTSecret() != ""
}
