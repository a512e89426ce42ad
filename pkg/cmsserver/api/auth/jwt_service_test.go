package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/vire-cms/vire/pkg/user"
)

const testSecret = "test-secret-key-must-be-32-chars!"

func newService(t *testing.T, access time.Duration) *JWTService {
	t.Helper()
	service, err := NewJWTService(Config{
		Secret:               testSecret,
		Issuer:               "test-issuer",
		AccessTokenDuration:  access,
		RefreshTokenDuration: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return service
}

func testUser() *user.User {
	return &user.User{Login: "alice", FullName: "Alice Liddell", Enabled: true, Roles: []string{"expert"}}
}

func TestNewJWTService_ShortSecret(t *testing.T) {
	for _, secret := range []string{"", "short"} {
		_, err := NewJWTService(Config{Secret: secret})
		if !errors.Is(err, ErrInvalidSecretLength) {
			t.Errorf("secret %q: expected ErrInvalidSecretLength, got %v", secret, err)
		}
	}
}

func TestGenerateTokenPair(t *testing.T) {
	service := newService(t, 15*time.Minute)

	pair, err := service.GenerateTokenPair(testUser())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Error("Expected non-empty tokens")
	}
	if pair.TokenType != "Bearer" {
		t.Errorf("Expected TokenType 'Bearer', got '%s'", pair.TokenType)
	}
	if pair.ExpiresIn != int64(15*time.Minute/time.Second) {
		t.Errorf("Expected ExpiresIn %d, got %d", int64(15*time.Minute/time.Second), pair.ExpiresIn)
	}
}

func TestValidateAccessToken(t *testing.T) {
	service := newService(t, 15*time.Minute)
	pair, _ := service.GenerateTokenPair(testUser())

	claims, err := service.ValidateAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if claims.Login != "alice" {
		t.Errorf("Expected login 'alice', got '%s'", claims.Login)
	}
	if claims.Subject != "alice" {
		t.Errorf("Expected subject 'alice', got '%s'", claims.Subject)
	}
	if !claims.CanUseRole("expert") || claims.CanUseRole("shifter") {
		t.Errorf("Unexpected role grants: %v", claims.Roles)
	}

	if _, err := service.ValidateAccessToken(pair.RefreshToken); !errors.Is(err, ErrInvalidTokenType) {
		t.Errorf("Expected ErrInvalidTokenType for refresh token, got %v", err)
	}
	if _, err := service.ValidateRefreshToken(pair.RefreshToken); err != nil {
		t.Errorf("Expected valid refresh token, got %v", err)
	}
}

func TestValidateToken_Invalid(t *testing.T) {
	service := newService(t, 15*time.Minute)

	if _, err := service.ValidateAccessToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}

	other, err := NewJWTService(Config{Secret: "another-secret-key-of-32-chars!!", Issuer: "test-issuer"})
	if err != nil {
		t.Fatal(err)
	}
	pair, _ := other.GenerateTokenPair(testUser())
	if _, err := service.ValidateAccessToken(pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for foreign signature, got %v", err)
	}

	foreign, _ := NewJWTService(Config{Secret: testSecret, Issuer: "someone-else"})
	pair, _ = foreign.GenerateTokenPair(testUser())
	if _, err := service.ValidateAccessToken(pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for foreign issuer, got %v", err)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	service := newService(t, time.Minute)
	service.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	pair, _ := service.GenerateTokenPair(testUser())
	service.now = time.Now

	if _, err := service.ValidateAccessToken(pair.AccessToken); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Expected ErrExpiredToken, got %v", err)
	}
}

func TestGenerateTokenPair_UniqueIDs(t *testing.T) {
	service := newService(t, time.Minute)
	pair, _ := service.GenerateTokenPair(testUser())

	access, err := service.ValidateAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	refresh, err := service.ValidateRefreshToken(pair.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if access.ID == "" || access.ID == refresh.ID {
		t.Errorf("Expected distinct token IDs, got %q and %q", access.ID, refresh.ID)
	}
}

func TestNewJWTService_Defaults(t *testing.T) {
	service, err := NewJWTService(Config{Secret: testSecret})
	if err != nil {
		t.Fatal(err)
	}
	pair, _ := service.GenerateTokenPair(testUser())
	if pair.ExpiresIn != 3600 {
		t.Errorf("Expected default access lifetime of 3600s, got %d", pair.ExpiresIn)
	}
	claims, err := service.ValidateAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Issuer != "vire" {
		t.Errorf("Expected default issuer 'vire', got %q", claims.Issuer)
	}
}

func TestClaims_CanUseRole(t *testing.T) {
	open := &Claims{}
	if !open.CanUseRole("anything") {
		t.Error("Expected empty role list to allow any role")
	}
}
