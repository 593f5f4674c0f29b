package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"settings-service/internal/config"
)

var (
	// ErrNoToken indicates the Authorization header is missing or malformed.
	ErrNoToken = errors.New("missing bearer token")
	// ErrInvalidToken indicates the token failed verification.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims is the token payload issued by the external auth provider. Only the
// stable user identifier is consumed here.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens. It never issues tokens or manages key
// lifecycle; it only consumes a verified identity.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(cfg config.AuthConfig) *Verifier {
	return &Verifier{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
	}
}

// VerifyToken parses and validates a raw token string, returning the
// authenticated principal's user ID.
func (v *Verifier) VerifyToken(tokenString string) (string, error) {
	claims := &Claims{}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", fmt.Errorf("%w: no user identity in claims", ErrInvalidToken)
	}
	return userID, nil
}

// VerifyRequest extracts the Bearer credential from the Authorization header
// and verifies it.
func (v *Verifier) VerifyRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrNoToken
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrNoToken
	}
	return v.VerifyToken(parts[1])
}

type ctxKey struct{}

// WithUserID returns a context carrying the authenticated user ID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserIDFrom extracts the authenticated user ID set by the auth middleware.
func UserIDFrom(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(ctxKey{}).(string)
	return userID, ok && userID != ""
}
