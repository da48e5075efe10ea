package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/lestrrat-go/jwx/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eternisai/enchanted-research/internal/logger"
)

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims StandardClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func testKeySet(t *testing.T, key *rsa.PrivateKey, kid string) jwk.Set {
	t.Helper()
	pub, err := jwk.New(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, kid))

	set := jwk.NewSet()
	set.Add(pub)
	return set
}

func TestKeySetValidator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	v := NewKeySetValidator(testKeySet(t, key, "k1"))
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr error
	}{
		{
			name:  "sub wins",
			token: signRS256(t, key, "k1", StandardClaims{Sub: "sub-1", Email: "a@b.c", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}),
			want:  "sub-1",
		},
		{
			name:  "email fallback",
			token: signRS256(t, key, "k1", StandardClaims{Email: "a@b.c", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}),
			want:  "a@b.c",
		},
		{
			name:    "expired",
			token:   signRS256(t, key, "k1", StandardClaims{Sub: "sub-1", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: past}}),
			wantErr: ErrExpiredToken,
		},
		{
			name:    "wrong signer",
			token:   signRS256(t, other, "k1", StandardClaims{Sub: "sub-1", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "unknown kid",
			token:   signRS256(t, key, "k2", StandardClaims{Sub: "sub-1", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "garbage",
			token:   "not-a-jwt",
			wantErr: ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateToken(tt.token)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDevModeValidator(t *testing.T) {
	v, err := NewTokenValidator("")
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, StandardClaims{UserId: "user-7"})
	signed, err := token.SignedString([]byte("anything"))
	require.NoError(t, err)

	got, err := v.ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-7", got)

	token = jwt.NewWithClaims(jwt.SigningMethodHS256, StandardClaims{})
	signed, err = token.SignedString([]byte("anything"))
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

type staticValidator map[string]string

func (s staticValidator) ValidateToken(token string) (string, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return "", ErrInvalidToken
}

func TestRequireAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	m := NewMiddleware(staticValidator{"good": "user-1"}, logger.Discard())
	r := gin.New()
	r.Use(m.RequireAuth())
	r.GET("/me", func(c *gin.Context) {
		id, ok := GetUserID(c)
		if !ok {
			c.Status(http.StatusTeapot)
			return
		}
		c.String(http.StatusOK, id)
	})

	tests := []struct {
		name   string
		header string
		query  string
		ws     bool
		status int
		body   string
	}{
		{name: "valid", header: "Bearer good", status: http.StatusOK, body: "user-1"},
		{name: "missing", status: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic good", status: http.StatusUnauthorized},
		{name: "empty bearer", header: "Bearer ", status: http.StatusUnauthorized},
		{name: "invalid", header: "Bearer bad", status: http.StatusUnauthorized},
		{name: "websocket query token", query: "?token=good", ws: true, status: http.StatusOK, body: "user-1"},
		{name: "query token ignored without upgrade", query: "?token=good", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.ws {
				req.Header.Set("Upgrade", "websocket")
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}
