// Package token holds the JWT credential helpers: a static Token Provider
// for clients and the HS256 issuer/verifier used by the relay server.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
)

var (
	ErrNoToken      = errors.New("no token configured")
	ErrInvalidToken = errors.New("invalid token")
	ErrAuthDisabled = errors.New("token secret not configured")
)

// Claims carries the participant id as subject and its session role.
type Claims struct {
	Role  string `json:"role,omitempty"`
	Alias string `json:"alias,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the verified content of a token.
type Identity struct {
	Participant domain.ParticipantID
	Alias       string
	Role        domain.Role
	ExpiresAt   time.Time
}

// ParseRole reads a role claim such as "host" or "host+moderator".
func ParseRole(s string) domain.Role {
	var r domain.Role
	for _, part := range strings.Split(s, "+") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "host":
			r |= domain.RoleHost
		case "moderator":
			r |= domain.RoleModerator
		}
	}
	return r
}

func roleClaim(r domain.Role) string {
	if r == 0 {
		return ""
	}
	return r.String()
}

// Service signs and verifies HS256 tokens.
type Service struct {
	secret []byte
	expiry time.Duration
}

func NewService(secret string, expiry time.Duration) *Service {
	return &Service{secret: []byte(secret), expiry: expiry}
}

// Issue signs a token for participant. expiry <= 0 yields a token that
// never expires.
func (s *Service) Issue(participant domain.ParticipantID, alias string, role domain.Role) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(string(participant)) == "" {
		return "", errors.New("participant id required")
	}
	now := time.Now()
	claims := Claims{
		Role:  roleClaim(role),
		Alias: strings.TrimSpace(alias),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  string(participant),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.expiry))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses and validates raw and returns its identity.
func (s *Service) Verify(raw string) (Identity, error) {
	if s == nil || len(s.secret) == 0 {
		return Identity{}, ErrAuthDisabled
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrInvalidToken
	}
	id := Identity{
		Participant: domain.ParticipantID(claims.Subject),
		Alias:       claims.Alias,
		Role:        ParseRole(claims.Role),
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// Static provides one configured token. Subject and expiry are read from
// the token without verifying the signature; the server verifies.
type Static struct {
	cred core.Credential
	err  error
}

var _ core.TokenProvider = (*Static)(nil)

func NewStatic(raw string) *Static {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &Static{err: ErrNoToken}
	}
	st := &Static{cred: core.Credential{Value: raw}}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		// Opaque tokens are passed through as is.
		return st
	}
	st.cred.Subject = domain.ParticipantID(claims.Subject)
	if claims.ExpiresAt != nil {
		st.cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return st
}

func (s *Static) Credential(ctx context.Context) (core.Credential, error) {
	if err := ctx.Err(); err != nil {
		return core.Credential{}, err
	}
	if s.err != nil {
		return core.Credential{}, s.err
	}
	return s.cred, nil
}
