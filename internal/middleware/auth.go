package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyAuth creates middleware for control-API key authentication. The
// configured key may be either the plain key or a bcrypt hash of it (any
// value starting with "$2" is treated as a hash). An empty configured key
// disables auth, which is acceptable only on a loopback bind.
func APIKeyAuth(apiKey, headerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			// Skip auth for health and docs
			path := r.URL.Path
			if path == "/health" || strings.HasPrefix(path, "/swagger") {
				next.ServeHTTP(w, r)
				return
			}

			providedKey := r.Header.Get(headerName)
			if providedKey == "" {
				// The websocket UI cannot set headers; allow the key as a
				// query parameter there.
				providedKey = r.URL.Query().Get("apiKey")
			}
			if providedKey == "" {
				writeAuthError(w, "API key is required.")
				return
			}

			if !keyMatches(apiKey, providedKey) {
				writeAuthError(w, "Invalid API key.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func keyMatches(configured, provided string) bool {
	if strings.HasPrefix(configured, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(provided)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(provided)) == 1
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
