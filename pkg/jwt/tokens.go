// Package jwt issues and verifies the HS256 bearer tokens accepted by the
// control plane.
package jwt

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const (
	issuer = "kubeploy"
	leeway = 30 * time.Second
)

var (
	// ErrEmptySecret rejects signing or verifying with a blank key.
	ErrEmptySecret = errors.New("jwt: secret is empty")
	// ErrMissingSubject is returned when a token carries no user id.
	ErrMissingSubject = errors.New("jwt: token has no user id")
)

// Claims is the token payload. UserID mirrors the registered subject.
type Claims struct {
	UserID string `json:"user_id"`
	jwtlib.RegisteredClaims
}

// GenerateToken signs a token for userID valid for ttl.
func GenerateToken(userID, secret string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrEmptySecret
	}
	now := time.Now()
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, Claims{
		UserID: userID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}).SignedString([]byte(secret))
}

// Parse verifies signature, issuer and expiry and returns the claims.
// Tokens without user_id fall back to sub.
func Parse(token, secret string) (*Claims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}
	claims := &Claims{}
	_, err := jwtlib.ParseWithClaims(token, claims,
		func(*jwtlib.Token) (any, error) { return []byte(secret), nil },
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithIssuer(issuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithLeeway(leeway),
	)
	if err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}
