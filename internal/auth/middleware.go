package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// RequireBearer returns middleware that authenticates the caller via the
// Authorization: Bearer <token> header through the given verifier and
// stores the resulting Identity in the request context. This is half of
// C10's authorization guard — the other half (project membership and role)
// is enforced by internal/guard once the target project is known.
func RequireBearer(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") && !strings.HasPrefix(header, "bearer ") {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(header, "Bearer "), "bearer "))

			verified, err := verifier.Verify(r.Context(), raw)
			if err != nil || verified == nil {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
				return
			}

			id := &Identity{UserID: verified.UserID, Email: verified.Email}
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), id)))
		})
	}
}

func respondErr(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errStr,
		"message": message,
	})
}
