// ABOUTME: API key middleware for mutating admin routes.
// ABOUTME: Compares Authorization Bearer tokens in constant time via sha256.
package api

import (
	"net/http"
	"strings"

	"github.com/shakilkhan1801/dispatchq/internal/auth"
)

// mutating reports whether the request can change queue state.
func mutating(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// requireAPIKey returns a middleware that requires Authorization: Bearer with
// the configured admin key on every mutating request. Reads stay open. When no
// key is configured (development) the middleware is a no-op — the serve
// command refuses to start that way in production.
func (srv *Server) requireAPIKey() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if srv.cfg.AdminAPIKey == "" || !mutating(r) {
				next.ServeHTTP(w, r)
				return
			}
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			rawKey := strings.TrimPrefix(authHeader, "Bearer ")
			if !auth.KeysEqual(rawKey, srv.cfg.AdminAPIKey) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
