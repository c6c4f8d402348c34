// Package auth provides password hashing, token issuance and JWT
// authentication middleware.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Context keys for auth data
type contextKey string

const (
	contextKeyAuth contextKey = "auth"
)

// Context represents the authenticated caller.
type Context struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Expires  int64  `json:"exp,omitempty"`
}

// FromContext extracts the auth context from a request context.
func FromContext(ctx context.Context) *Context {
	if authCtx, ok := ctx.Value(contextKeyAuth).(*Context); ok {
		return authCtx
	}
	return &Context{Subject: "anonymous"}
}

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// TokenIssuer signs and validates bearer tokens with a shared HMAC secret.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer creates a token issuer. ttl bounds token lifetime.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
	}
}

// Issue creates a signed token for the given user.
func (t *TokenIssuer) Issue(userID, username string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      userID,
		"username": username,
		"iat":      now.Unix(),
		"exp":      now.Add(t.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token, returning the caller context.
func (t *TokenIssuer) Validate(tokenString string) (*Context, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	authCtx := &Context{
		Subject:  getStringClaim(claims, "sub"),
		Username: getStringClaim(claims, "username"),
	}
	if exp, ok := claims["exp"].(float64); ok {
		authCtx.Expires = int64(exp)
	}

	return authCtx, nil
}

func getStringClaim(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

// Middleware returns an HTTP middleware that validates bearer tokens.
// When enabled is false every request passes through with an anonymous
// context; authentication is a single global switch, not ambient state.
func Middleware(issuer *TokenIssuer, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				ctx := context.WithValue(r.Context(), contextKeyAuth, &Context{Subject: "anonymous"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				w.Header().Set("Content-Type", "application/json")
				http.Error(w, `{"error": "invalid authorization header"}`, http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")

			authCtx, err := issuer.Validate(tokenString)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyAuth, authCtx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
