package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 12 * time.Hour

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingName          = errors.New("participant name must be provided")
)

// Participant identifies a classroom participant for the lifetime of a join
// token. This is display identity only; roles and permissions live outside
// this service.
type Participant struct {
	Name  string
	Color string
}

type joinClaims struct {
	Color string `json:"color,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the join-token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates the HS256 tokens that identify websocket
// and API participants.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.TokenTTL = ttl
	cfg.Clock = clock
	return &TokenIssuer{config: cfg, clock: clock}
}

// IssueJoinToken produces a signed token and its expiry (seconds) for the
// participant.
func (i *TokenIssuer) IssueJoinToken(_ context.Context, participant Participant) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if participant.Name == "" {
		return "", 0, errMissingName
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()
	claims := joinClaims{
		Color: participant.Color,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participant.Name,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures a join token is well formed and returns the
// participant it identifies.
func (i *TokenIssuer) ValidateToken(tokenString string) (Participant, error) {
	if len(i.config.SigningSecret) == 0 {
		return Participant{}, errMissingSigningSecret
	}

	claims := &joinClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return Participant{}, err
	}
	if claims.Subject == "" {
		return Participant{}, errMissingName
	}
	return Participant{Name: claims.Subject, Color: claims.Color}, nil
}
