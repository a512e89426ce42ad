package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vire-cms/vire/pkg/user"
)

var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token has expired")
	ErrInvalidTokenType    = errors.New("invalid token type")
	ErrTokenSigningFailed  = errors.New("failed to sign token")
	ErrInvalidSecretLength = fmt.Errorf("JWT secret must be at least %d characters", MinSecretLength)
)

// MinSecretLength is the shortest accepted signing secret.
const MinSecretLength = 32

// Config holds the signing secret and token lifetimes. Zero lifetimes get
// defaults of 1h (access) and 24h (refresh); the issuer defaults to "vire".
type Config struct {
	Secret               string
	Issuer               string
	AccessTokenDuration  time.Duration
	RefreshTokenDuration time.Duration
}

// JWTService signs and checks HS256 tokens for one issuer.
type JWTService struct {
	secret   []byte
	issuer   string
	lifetime map[TokenType]time.Duration
	now      func() time.Time
}

// TokenPair is the body returned by login and refresh.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func NewJWTService(cfg Config) (*JWTService, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, ErrInvalidSecretLength
	}
	s := &JWTService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		lifetime: map[TokenType]time.Duration{
			TokenTypeAccess:  cfg.AccessTokenDuration,
			TokenTypeRefresh: cfg.RefreshTokenDuration,
		},
		now: time.Now,
	}
	if s.issuer == "" {
		s.issuer = "vire"
	}
	if s.lifetime[TokenTypeAccess] <= 0 {
		s.lifetime[TokenTypeAccess] = time.Hour
	}
	if s.lifetime[TokenTypeRefresh] <= 0 {
		s.lifetime[TokenTypeRefresh] = 24 * time.Hour
	}
	return s, nil
}

// GenerateTokenPair issues an access and a refresh token for u.
func (s *JWTService) GenerateTokenPair(u *user.User) (*TokenPair, error) {
	now := s.now()
	access, err := s.sign(u, TokenTypeAccess, now)
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	refresh, err := s.sign(u, TokenTypeRefresh, now)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	ttl := s.lifetime[TokenTypeAccess]
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ttl / time.Second),
		ExpiresAt:    now.Add(ttl),
	}, nil
}

func (s *JWTService) sign(u *user.User, kind TokenType, now time.Time) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   u.Login,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime[kind])),
		},
		Login:     u.Login,
		FullName:  u.FullName,
		Roles:     append([]string(nil), u.Roles...),
		TokenType: kind,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", ErrTokenSigningFailed
	}
	return signed, nil
}

func (s *JWTService) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	return s.secret, nil
}

// parse checks signature, issuer, expiry and token kind.
func (s *JWTService) parse(raw string, want TokenType) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, s.keyFunc,
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	case claims.TokenType != want:
		return nil, ErrInvalidTokenType
	}
	return claims, nil
}

func (s *JWTService) ValidateAccessToken(raw string) (*Claims, error) {
	return s.parse(raw, TokenTypeAccess)
}

func (s *JWTService) ValidateRefreshToken(raw string) (*Claims, error) {
	return s.parse(raw, TokenTypeRefresh)
}
