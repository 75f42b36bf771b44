// Package identity carries the signed-in user's bearer credential through
// request handling.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"strings"
)

const (
	// SessionCookieName is the cookie the web app stores the access token in.
	SessionCookieName = "tbv_access_token"
	bearerPrefix      = "Bearer "
)

// ErrNoToken is returned by ContextTokenSource when the context carries no
// credential.
var ErrNoToken = errors.New("no access token in context")

type contextKey int

const tokenKey contextKey = iota

// WithToken returns a context carrying token.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

// TokenFromContext extracts the bearer token from the request context.
func TokenFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tokenKey).(string); ok {
		return v
	}
	return ""
}

// Owner derives the key chat sessions are scoped to from a bearer token.
// The token is opaque to the gateway, so the owner is a digest of it and a
// rotated token starts a new history.
func Owner(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}

// OwnerFromContext returns the owner of the request's bearer token.
func OwnerFromContext(ctx context.Context) string {
	return Owner(TokenFromContext(ctx))
}

// ContextTokenSource reads the token of the request being served, so
// upstream calls are made on behalf of the caller.
type ContextTokenSource struct{}

// Token implements chat.TokenSource.
func (ContextTokenSource) Token(ctx context.Context) (string, error) {
	if t := TokenFromContext(ctx); t != "" {
		return t, nil
	}
	return "", ErrNoToken
}

// StaticToken always returns the same token. It serves command-line
// clients that take the token from a flag.
type StaticToken string

// Token implements chat.TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

// tokenFromRequest reads the Authorization header, then the session cookie,
// then the access_token query parameter used by WebSocket clients that
// cannot set headers.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > len(bearerPrefix) && strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(h[len(bearerPrefix):])
	}
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// Middleware rejects requests without a bearer credential and stores it in
// the request context.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r)
			if token == "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","reason":"reauthenticate"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithToken(r.Context(), token)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
