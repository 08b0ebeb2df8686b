// ABOUTME: HTTP middleware gating the admin API behind a JWT carrying the admin role
// ABOUTME: Authentication failures are 401, authenticated non-admins are 403

package auth

import (
	"errors"
	"log/slog"
	"net/http"
)

// RequireAdmin verifies the bearer JWT, attaches the Principal and enforces the admin role.
func RequireAdmin(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "admin-auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, failure := extractBearerToken(r.Header.Get("Authorization"))
			if failure != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": failure.code, "error_description": failure.description})
				return
			}

			principal, err := verifier.Verify(token)
			if err != nil {
				desc := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					desc = "token expired"
				}
				logger.Debug("admin token rejected", "error", err)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token", "error_description": desc})
				return
			}

			if !principal.IsAdmin() {
				logger.Warn("admin role required", "subject", principal.Subject)
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin role required"})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
