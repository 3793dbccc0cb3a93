// Package jwt is the signed token codec. It issues and verifies four token
// purposes (access, refresh, email verification and password reset), each
// with an independent HS256 secret and TTL, and distinguishes expiry from
// tampering so callers can report "link expired" separately from "invalid
// link".
package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Purpose scopes a signed token to one use case. A token verified under the
// wrong purpose is invalid regardless of signature.
type Purpose string

const (
	PurposeAccess        Purpose = "access"
	PurposeRefresh       Purpose = "refresh"
	PurposeEmailVerify   Purpose = "email_verify"
	PurposePasswordReset Purpose = "password_reset"
)

var (
	// ErrExpired is returned when the token lifetime has passed.
	ErrExpired = errors.New("token expired")
	// ErrInvalid is returned for tampered, malformed or wrong-purpose tokens.
	ErrInvalid = errors.New("token invalid")
)

// Config carries per-purpose signing secrets and TTLs.
type Config struct {
	Issuer              string
	Leeway              time.Duration
	AccessSecret        []byte
	RefreshSecret       []byte
	EmailVerifySecret   []byte
	PasswordResetSecret []byte
	AccessTTL           time.Duration
	RefreshTTL          time.Duration
	EmailVerifyTTL      time.Duration
	PasswordResetTTL    time.Duration
}

// Claims is the claim set carried by every token purpose.
type Claims struct {
	Email     string `json:"email,omitempty"`
	Purpose   string `json:"purpose"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and verifies purpose-scoped tokens.
type Manager struct {
	config Config
}

// NewManager validates the config and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	for _, p := range []Purpose{PurposeAccess, PurposeRefresh, PurposeEmailVerify, PurposePasswordReset} {
		secret, ttl := cfg.material(p)
		if len(secret) == 0 {
			return nil, fmt.Errorf("missing signing secret for %s tokens", p)
		}
		if ttl <= 0 {
			return nil, fmt.Errorf("missing TTL for %s tokens", p)
		}
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	return &Manager{config: cfg}, nil
}

func (c Config) material(p Purpose) ([]byte, time.Duration) {
	switch p {
	case PurposeAccess:
		return c.AccessSecret, c.AccessTTL
	case PurposeRefresh:
		return c.RefreshSecret, c.RefreshTTL
	case PurposeEmailVerify:
		return c.EmailVerifySecret, c.EmailVerifyTTL
	case PurposePasswordReset:
		return c.PasswordResetSecret, c.PasswordResetTTL
	default:
		return nil, 0
	}
}

// TTL returns the configured lifetime for a purpose.
func (m *Manager) TTL(p Purpose) time.Duration {
	_, ttl := m.config.material(p)
	return ttl
}

// Sign mints a token for the purpose, filling purpose, issuer, issued-at and
// expiry. Subject, email and session id come from claims.
func (m *Manager) Sign(p Purpose, claims Claims) (string, error) {
	secret, ttl := m.config.material(p)
	if len(secret) == 0 {
		return "", fmt.Errorf("unknown token purpose %q", p)
	}

	now := time.Now()
	claims.Purpose = string(p)
	claims.Issuer = m.config.Issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Verify checks signature, expiry, issuer and purpose. Expiry maps to
// ErrExpired; every other failure, including a purpose mismatch, maps to
// ErrInvalid.
func (m *Manager) Verify(p Purpose, token string) (*Claims, error) {
	secret, _ := m.config.material(p)
	if len(secret) == 0 {
		return nil, fmt.Errorf("unknown token purpose %q", p)
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}

	parsed, err := jwt.NewParser(options...).ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalid
	}
	if claims.Purpose != string(p) {
		return nil, fmt.Errorf("%w: purpose mismatch", ErrInvalid)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalid)
	}

	return claims, nil
}

// DecodeUnsafe reads claims without verifying the signature or expiry. For
// diagnostics only, never an authorization input.
func (m *Manager) DecodeUnsafe(token string) *Claims {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	return claims
}
