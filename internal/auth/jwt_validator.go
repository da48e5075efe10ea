package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/lestrrat-go/jwx/jwk"
)

// JWTTokenValidator verifies tokens against a JWKS. Without a key set it runs in
// development mode and reads claims without verifying the signature.
type JWTTokenValidator struct {
	mu      sync.RWMutex
	keySet  jwk.Set
	jwksURL string
	devMode bool
}

// NewTokenValidator creates a new JWT token validator with the given JWKS URL.
func NewTokenValidator(jwksURL string) (*JWTTokenValidator, error) {
	if jwksURL == "" {
		return &JWTTokenValidator{devMode: true}, nil
	}

	keySet, err := jwk.Fetch(context.Background(), jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWTTokenValidator{
		keySet:  keySet,
		jwksURL: jwksURL,
	}, nil
}

// NewKeySetValidator verifies against a fixed key set.
func NewKeySetValidator(keySet jwk.Set) *JWTTokenValidator {
	return &JWTTokenValidator{keySet: keySet}
}

// RefreshKeys refreshes the JWKS from the URL.
func (v *JWTTokenValidator) RefreshKeys() error {
	if v.jwksURL == "" {
		return ErrNoJWKS
	}

	keySet, err := jwk.Fetch(context.Background(), v.jwksURL)
	if err != nil {
		return fmt.Errorf("failed to refresh JWKS from %s: %w", v.jwksURL, err)
	}

	v.mu.Lock()
	v.keySet = keySet
	v.mu.Unlock()
	return nil
}

// ValidateToken verifies the token and returns the caller id.
func (v *JWTTokenValidator) ValidateToken(tokenString string) (string, error) {
	if v.devMode {
		token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &StandardClaims{})
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		claims, ok := token.Claims.(*StandardClaims)
		if !ok {
			return "", ErrInvalidToken
		}
		return claims.callerID()
	}

	claims, err := v.verify(tokenString)
	if err != nil {
		return "", err
	}
	return claims.callerID()
}

func (v *JWTTokenValidator) verify(tokenString string) (*StandardClaims, error) {
	// Parse the header first to get the key ID.
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &StandardClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse token header: %v", ErrInvalidToken, err)
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: token header missing kid", ErrInvalidToken)
	}

	key, err := v.lookupKey(kid)
	if err != nil {
		return nil, err
	}

	var rawKey interface{}
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("%w: failed to get raw key: %v", ErrInvalidToken, err)
	}

	validatedToken, err := jwt.ParseWithClaims(
		tokenString,
		&StandardClaims{},
		func(token *jwt.Token) (interface{}, error) {
			return rawKey, nil
		},
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := validatedToken.Claims.(*StandardClaims)
	if !ok || !validatedToken.Valid {
		return nil, ErrInvalidToken
	}

	if !claims.VerifyExpiresAt(time.Now(), true) {
		return nil, ErrExpiredToken
	}

	return claims, nil
}

// lookupKey finds the key by id, refreshing the set once when it is unknown.
func (v *JWTTokenValidator) lookupKey(kid string) (jwk.Key, error) {
	v.mu.RLock()
	keySet := v.keySet
	v.mu.RUnlock()

	if keySet == nil {
		return nil, ErrNoJWKS
	}

	if key, found := keySet.LookupKeyID(kid); found {
		return key, nil
	}

	if err := v.RefreshKeys(); err != nil {
		return nil, fmt.Errorf("%w: key with ID %s not found and failed to refresh keys: %v", ErrInvalidToken, kid, err)
	}

	v.mu.RLock()
	keySet = v.keySet
	v.mu.RUnlock()

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("%w: key with ID %s not found", ErrInvalidToken, kid)
	}
	return key, nil
}
