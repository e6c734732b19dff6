// Package auth holds the client-side session credential. Token issuance is
// the server's business; we only carry the bearer token and read the user
// identity out of it.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is the bearer token attached to every REST call. The push
// channel authenticates through the join event instead.
type Credential struct {
	Token string
}

// Authorize sets the Authorization header on an outgoing request.
func (c Credential) Authorize(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+c.Token)
}

// UserIDFromToken extracts the subject claim from a JWT without verifying
// the signature. The client does not hold the signing secret; verification
// is the server's job on every call that carries the token.
func UserIDFromToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	_, _, err := parser.ParseUnverified(tokenString, claims)
	if err != nil {
		return "", fmt.Errorf("internal/auth: failed to parse token: %w", err)
	}

	if claims.Subject == "" {
		return "", errors.New("internal/auth: subject claim is missing")
	}

	return claims.Subject, nil
}

// MakeToken signs a short-lived HS256 token for userID. Used by the fake
// server in tests and by the load tool; the production server issues its own.
func MakeToken(userID, tokenSecret string, expiresIn time.Duration) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	})

	return token.SignedString([]byte(tokenSecret))
}

// ValidateToken checks the signature and expiry of a token and returns the
// subject. The fake server uses this to authenticate REST calls.
func ValidateToken(tokenString, tokenSecret string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (any, error) { return []byte(tokenSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("internal/auth: failed to parse token: %w", err)
	}

	if !token.Valid {
		return "", errors.New("internal/auth: token is invalid")
	}

	if claims.Subject == "" {
		return "", errors.New("internal/auth: subject claim is missing")
	}

	return claims.Subject, nil
}
