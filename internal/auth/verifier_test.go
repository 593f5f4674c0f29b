package auth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"settings-service/internal/config"
)

func signToken(t *testing.T, claims jwt.Claims, method jwt.SigningMethod, key interface{}) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func validClaims(userID string) Claims {
	now := time.Now().UTC()
	return Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestVerifyToken(t *testing.T) {
	v := NewVerifier(config.AuthConfig{JWTSecret: "secret"})

	userID, err := v.VerifyToken(signToken(t, validClaims("user-1"), jwt.SigningMethodHS256, []byte("secret")))
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)
}

func TestVerifyToken_SubjectFallback(t *testing.T) {
	v := NewVerifier(config.AuthConfig{JWTSecret: "secret"})

	claims := jwt.RegisteredClaims{
		Subject:   "user-2",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	userID, err := v.VerifyToken(signToken(t, claims, jwt.SigningMethodHS256, []byte("secret")))
	require.NoError(t, err)
	require.Equal(t, "user-2", userID)
}

func TestVerifyToken_Rejects(t *testing.T) {
	v := NewVerifier(config.AuthConfig{JWTSecret: "secret"})

	t.Run("wrong secret", func(t *testing.T) {
		tok := signToken(t, validClaims("user-1"), jwt.SigningMethodHS256, []byte("other"))
		_, err := v.VerifyToken(tok)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		claims := validClaims("user-1")
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := v.VerifyToken(signToken(t, claims, jwt.SigningMethodHS256, []byte("secret")))
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("no identity in claims", func(t *testing.T) {
		claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
		_, err := v.VerifyToken(signToken(t, claims, jwt.SigningMethodHS256, []byte("secret")))
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.VerifyToken("not-a-token")
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestVerifyToken_IssuerEnforcedWhenConfigured(t *testing.T) {
	v := NewVerifier(config.AuthConfig{JWTSecret: "secret", Issuer: "auth-service"})

	claims := validClaims("user-1")
	claims.Issuer = "auth-service"
	userID, err := v.VerifyToken(signToken(t, claims, jwt.SigningMethodHS256, []byte("secret")))
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)

	claims.Issuer = "someone-else"
	_, err = v.VerifyToken(signToken(t, claims, jwt.SigningMethodHS256, []byte("secret")))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRequest(t *testing.T) {
	v := NewVerifier(config.AuthConfig{JWTSecret: "secret"})
	token := signToken(t, validClaims("user-1"), jwt.SigningMethodHS256, []byte("secret"))

	newReq := func(header string) *http.Request {
		r, _ := http.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		return r
	}

	userID, err := v.VerifyRequest(newReq("Bearer " + token))
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)

	// Scheme matching is case-insensitive.
	_, err = v.VerifyRequest(newReq("bearer " + token))
	require.NoError(t, err)

	_, err = v.VerifyRequest(newReq(""))
	require.ErrorIs(t, err, ErrNoToken)

	_, err = v.VerifyRequest(newReq("Basic dXNlcjpwYXNz"))
	require.ErrorIs(t, err, ErrNoToken)

	_, err = v.VerifyRequest(newReq(token))
	require.ErrorIs(t, err, ErrNoToken)
}

func TestUserIDContextRoundTrip(t *testing.T) {
	ctx := WithUserID(context.Background(), "user-1")

	userID, ok := UserIDFrom(ctx)
	require.True(t, ok)
	require.Equal(t, "user-1", userID)

	_, ok = UserIDFrom(context.Background())
	require.False(t, ok)

	_, ok = UserIDFrom(WithUserID(context.Background(), ""))
	require.False(t, ok)
}
