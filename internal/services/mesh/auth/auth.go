// Package auth verifies the tokens clients present in HELLO frames when
// security is enabled.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/louisbranch/eventmesh/internal/platform/errors"
	"github.com/louisbranch/eventmesh/internal/services/mesh/protocol"
)

const issuer = "eventmesh"

// Config holds the shared HMAC secret.
type Config struct {
	Secret []byte
	Now    func() time.Time
}

// Claims are the identity claims a client token carries.
type Claims struct {
	Subject   string
	Subsystem string
	Group     string
	ExpiresAt time.Time
}

type clientClaims struct {
	jwt.RegisteredClaims
	Subsystem string `json:"subsystem"`
	Group     string `json:"group"`
}

// Verifier checks client tokens.
type Verifier struct {
	cfg Config
}

// NewVerifier builds a verifier. The secret is required.
func NewVerifier(cfg Config) (*Verifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth secret is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{cfg: cfg}, nil
}

// Issue signs a token for agent valid for ttl.
func (v *Verifier) Issue(agent protocol.UserAgent, ttl time.Duration) (string, error) {
	now := v.cfg.Now().UTC()
	claims := clientClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   agent.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Subsystem: agent.Subsystem,
		Group:     agent.Group,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.cfg.Secret)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeAuthTokenInvalid, "sign client token", err)
	}
	return signed, nil
}

// Verify checks agent.Token and that its claims name agent's subsystem and
// group.
func (v *Verifier) Verify(agent protocol.UserAgent) (Claims, error) {
	token := strings.TrimSpace(agent.Token)
	if token == "" {
		return Claims{}, apperrors.New(apperrors.CodeAuthTokenInvalid, "client token is required")
	}

	var parsed clientClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.cfg.Now),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Subsystem != agent.Subsystem {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeAuthTokenInvalid, "client token subsystem mismatch", map[string]string{"Field": "subsystem"})
	}
	if parsed.Group != agent.Group {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeAuthTokenInvalid, "client token group mismatch", map[string]string{"Field": "group"})
	}
	return Claims{
		Subject:   parsed.Subject,
		Subsystem: parsed.Subsystem,
		Group:     parsed.Group,
		ExpiresAt: parsed.ExpiresAt.Time.UTC(),
	}, nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return apperrors.New(apperrors.CodeAuthTokenExpired, "client token is expired")
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return apperrors.New(apperrors.CodeAuthTokenInvalid, "client token signature is invalid")
	}
	return apperrors.Wrap(apperrors.CodeAuthTokenInvalid, "client token is invalid", err)
}
