// ABOUTME: HTTP routing for the gateway: path-addressed tenants, subdomain tenants, OAuth and admin
// ABOUTME: Subdomain requests for / and /message go to the tenant mux, everything else to the main mux

package gateway

import (
	"log/slog"
	"net/http"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/invoke"
	"github.com/2389/relay-gateway/internal/mcp"
	"github.com/2389/relay-gateway/internal/oauth"
)

// routes builds the root handler. admin may be nil to disable the admin API.
func (g *Gateway) routes(oauthHandlers *oauth.Handlers, admin auth.TokenVerifier, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Path form: /s/{uuid}
	paths := g.transportFor(nil)
	httpGuard := g.access.Path(auth.ResourceHTTP)
	sseGuard := g.access.Path(auth.ResourceSSE)

	mux.Handle("POST /s/{uuid}", oauth.WithCORS(httpGuard(paths.ServeRPC(invoke.TransportHTTP))))
	mux.Handle("GET /s/{uuid}/sse", oauth.WithCORS(sseGuard(paths.ServeStream(mcp.PathEndpoint))))
	mux.Handle("POST /s/{uuid}/sse/message", oauth.WithCORS(sseGuard(paths.ServeMessage())))
	for _, p := range []string{"/s/{uuid}", "/s/{uuid}/sse", "/s/{uuid}/sse/message"} {
		mux.HandleFunc("OPTIONS "+p, oauth.Preflight)
	}

	oauthHandlers.RegisterRoutes(mux)

	mux.HandleFunc("GET /health", g.handleHealth)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
		logger.Info("metrics endpoint enabled", "path", g.config.Metrics.Path)
	}

	if admin != nil {
		requireAdmin := auth.RequireAdmin(admin, logger)
		mux.Handle("GET /admin/tenants", requireAdmin(http.HandlerFunc(g.handleListLive)))
		mux.Handle("POST /admin/tenants/{uuid}/reload", requireAdmin(http.HandlerFunc(g.handleReload)))
		mux.Handle("POST /admin/tenants/{uuid}/register", requireAdmin(http.HandlerFunc(g.handleRegister)))
		mux.Handle("DELETE /admin/tenants/{uuid}", requireAdmin(http.HandlerFunc(g.handleUnregister)))
		logger.Info("admin API enabled at /admin/tenants")
	}

	// Subdomain form: the tenant comes from X-Server-UUID or <uuid>.<tenant_domain>
	subdomains := g.transportFor(func(r *http.Request) string { return auth.TenantFrom(r.Context()) })
	tenantMux := http.NewServeMux()
	tenantMux.HandleFunc("GET /{$}", subdomains.ServeStream(mcp.SubdomainEndpoint))
	tenantMux.HandleFunc("POST /{$}", subdomains.ServeRPC(invoke.TransportSubdomain))
	tenantMux.HandleFunc("POST /message", subdomains.ServeMessage())
	tenantMux.HandleFunc("OPTIONS /", oauth.Preflight)
	tenantHandler := oauth.WithCORS(g.access.Subdomain(tenantMux))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" || r.URL.Path == "/message" {
			if _, ok := g.access.ResolveSubdomainTenant(r); ok {
				tenantHandler.ServeHTTP(w, r)
				return
			}
		}
		mux.ServeHTTP(w, r)
	})
}
