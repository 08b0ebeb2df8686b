// ABOUTME: CORS headers shared by the OAuth and protocol endpoints
// ABOUTME: Browser-based MCP clients call these routes cross-origin

package oauth

import "net/http"

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Authorization, Content-Type, mcp-protocol-version"
)

// SetCORS adds the permissive CORS headers to a response.
func SetCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", corsMethods)
	h.Set("Access-Control-Allow-Headers", corsHeaders)
}

// Preflight answers OPTIONS requests.
func Preflight(w http.ResponseWriter, _ *http.Request) {
	SetCORS(w)
	w.Header().Set("Access-Control-Max-Age", "3600")
	w.WriteHeader(http.StatusNoContent)
}

// WithCORS adds CORS headers to every response of next.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		next.ServeHTTP(w, r)
	})
}
