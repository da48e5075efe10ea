package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrNoJWKS       = errors.New("no JWKS URL provided")
)

// StandardClaims represents the claims read from a caller's JWT.
type StandardClaims struct {
	Sub    string `json:"sub"`
	UserId string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// callerID picks the stable caller identity: sub, then user_id, then email.
func (c *StandardClaims) callerID() (string, error) {
	switch {
	case c.Sub != "":
		return c.Sub, nil
	case c.UserId != "":
		return c.UserId, nil
	case c.Email != "":
		return c.Email, nil
	default:
		return "", fmt.Errorf("%w: no sub, user_id, or email found in token claims", ErrInvalidToken)
	}
}

// TokenValidator turns a bearer token into a caller id.
type TokenValidator interface {
	ValidateToken(tokenString string) (string, error)
}
