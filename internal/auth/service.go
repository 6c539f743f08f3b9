package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config configures admin API authentication. An empty JWTSecret disables it.
type Config struct {
	JWTSecret string        `mapstructure:"jwt_secret" json:"-"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" json:"token_ttl"`
	Issuer    string        `mapstructure:"issuer" json:"issuer"`
}

// Claims represents JWT claims
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Service issues and validates HS256 admin tokens.
type Service struct {
	secret   []byte
	tokenTTL time.Duration
	issuer   string
	now      func() time.Time
}

// NewService creates a new authentication service
func NewService(cfg Config) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, ErrNoSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "redeployr"
	}
	return &Service{secret: []byte(cfg.JWTSecret), tokenTTL: ttl, issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for subject with the given roles. A non-positive ttl
// selects the configured default.
func (s *Service) Issue(subject string, roles []string, ttl time.Duration) (*Token, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if ttl <= 0 {
		ttl = s.tokenTTL
	}
	now := s.now()
	expiresAt := now.Add(ttl)
	claims := &Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}

// Validate parses and verifies a token string.
func (s *Service) Validate(tokenString string) (*Result, error) {
	if tokenString == "" {
		return nil, ErrInvalidCredentials
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	return &Result{Subject: claims.Subject, Roles: claims.Roles}, nil
}
