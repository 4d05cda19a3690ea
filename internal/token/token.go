// Package token verifies the JWTs clients present when joining a channel.
// Tokens are minted by the tenant's own backend and signed with the tenant
// server's password, so the relay never holds a signing key of its own.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/streamrelay/streamrelay/internal/config"
	"github.com/streamrelay/streamrelay/internal/entity"
)

// ErrInvalidToken is returned for any token that fails verification. The
// cause is deliberately not distinguished to callers.
var ErrInvalidToken = errors.New("token: invalid token")

// Claims are the relay-specific JWT claims.
type Claims struct {
	// ID optionally pins the token to a server; when present it must match
	// the server the client is joining.
	ID string `json:"id,omitempty"`
	// Channel is the channel the token grants access to.
	Channel string `json:"channel"`
	jwt.RegisteredClaims
}

// Verifier checks a client token against the server it targets. connID is
// the connection identifier the relay issued at socket open; only the
// challenge scheme uses it.
type Verifier interface {
	Verify(tokenStr string, srv *entity.Server, connID string) (*Claims, error)
}

// NewVerifier returns the verifier for the configured scheme.
func NewVerifier(scheme config.AuthScheme) Verifier {
	if scheme == config.AuthSchemeChallenge {
		return &ChallengeVerifier{}
	}
	return &JWTVerifier{}
}

// JWTVerifier verifies tokens signed directly with the server's password.
type JWTVerifier struct{}

func (v *JWTVerifier) Verify(tokenStr string, srv *entity.Server, _ string) (*Claims, error) {
	return verify(tokenStr, []byte(srv.Password), srv.ID)
}

// ChallengeVerifier verifies tokens signed with the connection id joined to
// the server's password. Since the relay generates a fresh connection id per
// socket, a challenge token is only usable on the connection it was minted
// for and cannot be replayed elsewhere.
type ChallengeVerifier struct{}

func (v *ChallengeVerifier) Verify(tokenStr string, srv *entity.Server, connID string) (*Claims, error) {
	return verify(tokenStr, []byte(connID+"-"+srv.Password), srv.ID)
}

func verify(tokenStr string, key []byte, serverID string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Channel == "" {
		return nil, ErrInvalidToken
	}
	if claims.ID != "" && claims.ID != serverID {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// New mints a token for the plain scheme. Used by tenant backends embedding
// this package and by tests.
func New(srv *entity.Server, channel string, ttl time.Duration) (string, error) {
	return sign([]byte(srv.Password), srv.ID, channel, ttl)
}

// NewChallenge mints a token bound to a connection id for the challenge
// scheme.
func NewChallenge(srv *entity.Server, connID, channel string, ttl time.Duration) (string, error) {
	return sign([]byte(connID+"-"+srv.Password), srv.ID, channel, ttl)
}

func sign(key []byte, serverID, channel string, ttl time.Duration) (string, error) {
	claims := Claims{
		ID:      serverID,
		Channel: channel,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}
