package client

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenEmail reads the email claim of a session token without verifying
// its signature. The server still checks every request; this only labels
// the local session and cache.
func TokenEmail(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	email, ok := claims["email"].(string)
	if !ok || email == "" {
		return "", errors.New("email claim missing")
	}
	return email, nil
}
