package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// TokenAuth guards the endpoint with a shared bearer token.
//
// The server listens on loopback by default; the token is an extra gate
// for setups that expose it further. When the token is empty every
// request passes. The token is accepted via:
//   - Authorization: Bearer <token>
//   - X-API-Key: <token>
//   - ?token=<token> (event streams opened by browsers)
//
// /health is always public.
type TokenAuth struct {
	token []byte
}

func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{token: []byte(strings.TrimSpace(token))}
}

// Enabled returns whether a token is required.
func (a *TokenAuth) Enabled() bool {
	return len(a.token) > 0
}

// Middleware returns an http.Handler middleware that enforces the token.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		candidate := extractToken(r)
		if candidate == "" {
			respondUnauthorized(w, "Token required. Set Authorization: Bearer <token> or X-API-Key header.")
			return
		}
		if subtle.ConstantTimeCompare([]byte(candidate), a.token) != 1 {
			respondUnauthorized(w, "Invalid token.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("token")
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="contextd"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
