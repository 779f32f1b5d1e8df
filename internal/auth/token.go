// Package auth issues and verifies the HS256 bearer tokens that sync clients
// and HTTP callers present.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the caller identity. Docs, when set, limits the token to
// documents whose id starts with one of the prefixes.
type Claims struct {
	jwt.RegisteredClaims
	Name string   `json:"name"`
	Role string   `json:"role"`
	Docs []string `json:"docs,omitempty"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// IssueToken signs claims, stamping IssuedAt and, for a non-zero ttl,
// ExpiresAt. A negative ttl yields an already expired token.
func IssueToken(secret []byte, claims Claims, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("auth: empty signing secret")
	}
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies an HS256 token. Other algorithms are rejected.
func ParseToken(secret []byte, token string) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case !parsed.Valid || claims.Subject == "":
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
