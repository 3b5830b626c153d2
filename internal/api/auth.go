package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"wgfleet/internal/models"

	"github.com/gorilla/mux"
)

// Очень простой вариант: Authorization: Bearer <sharedSecret>
func sharedSecretAuth(secret string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			const p = "Bearer "
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, p) ||
				subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(auth, p)), []byte(secret)) != 1 {
				models.WriteProblem(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
