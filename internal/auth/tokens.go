// Package auth issues and verifies the signed resume tokens handed out at login.
package auth

import (
	"errors"
	"fmt"
	"time"

	"coldroom/internal/clock"
	"coldroom/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer   = "coldroom-api"
	audience = "coldroom-client"
)

// Issuer signs and parses HS256 resume tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

// NewIssuer returns an Issuer. A zero ttl falls back to 24 hours.
func NewIssuer(secret string, ttl time.Duration, c clock.Clock) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if c == nil {
		c = clock.Real()
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, clock: c}
}

// Issue creates a token whose subject is identityID.
func (i *Issuer) Issue(identityID string) (string, error) {
	if len(i.secret) == 0 {
		return "", fmt.Errorf("JWT secret not configured")
	}

	now := i.clock.Now()
	claims := jwt.MapClaims{
		"sub": identityID,
		"iss": issuer,
		"aud": audience,
		"exp": now.Add(i.ttl).Unix(),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"jti": uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Parse validates tokenString and returns its subject identity id.
func (i *Issuer) Parse(tokenString string) (string, error) {
	if tokenString == "" {
		return "", models.NewUnauthorizedError("Missing token")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return i.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil || !token.Valid {
		return "", models.NewUnauthorizedError("Invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", models.NewUnauthorizedError("Invalid token claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", models.NewUnauthorizedError("Invalid token subject")
	}
	return sub, nil
}
