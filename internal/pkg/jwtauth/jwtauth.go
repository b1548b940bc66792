// Package jwtauth validates and issues HS256 bearer tokens for the admin API.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/webhook-garden/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Token errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidRole  = errors.New("token carries unknown role")
	ErrEmptySecret  = errors.New("jwt secret is required")
)

// Config contains token settings.
type Config struct {
	SecretKey string
	Issuer    string
	TTL       time.Duration
}

// Claims are the registered claims plus the caller role.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator validates and issues tokens.
type Authenticator struct {
	config Config
	parser *jwt.Parser
}

// New creates a new Authenticator.
func New(config Config) (*Authenticator, error) {
	if config.SecretKey == "" {
		return nil, ErrEmptySecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}

	return &Authenticator{
		config: config,
		parser: jwt.NewParser(opts...),
	}, nil
}

// ValidateToken implements httputil.TokenValidator.
func (a *Authenticator) ValidateToken(_ context.Context, token string) (string, domain.Role, error) {
	var claims Claims
	_, err := a.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(a.config.SecretKey), nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if !claims.Role.IsValid() {
		return "", "", ErrInvalidRole
	}

	return claims.Subject, claims.Role, nil
}

// Issue signs a token for subject with the given role, valid for the configured TTL.
func (a *Authenticator) Issue(subject string, role domain.Role) (string, error) {
	if !role.IsValid() {
		return "", ErrInvalidRole
	}

	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.TTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.config.SecretKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
