package api

import (
	"crypto/subtle"
	"net/http"
)

// requireAPIKey guards the /timers routes. The comparison is constant-time
// so the key cannot be probed byte by byte.
func (a *API) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-API-Key")
		if a.cfg.APIKey == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.cfg.APIKey)) != 1 {
			a.respond(w, http.StatusUnauthorized, failure(CodeUnauthorized, "unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
