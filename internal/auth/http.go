// ABOUTME: HTTP middleware resolving the addressed tenant and enforcing its access tier
// ABOUTME: Credential failures answer 401 with a Bearer challenge pointing at resource metadata

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/oauth"
	"github.com/2389/relay-gateway/internal/store"
)

// Realm is advertised in every Bearer challenge.
const Realm = "relay"

// Resource says which addressing form a protected request used.
type Resource string

const (
	ResourceHTTP      Resource = "http"
	ResourceSSE       Resource = "sse"
	ResourceSubdomain Resource = "subdomain"
)

// TenantStore looks tenants up by UUID.
type TenantStore interface {
	GetTenantByUUID(ctx context.Context, uuid string) (*store.Tenant, error)
}

// TokenValidator validates OAuth access tokens.
type TokenValidator interface {
	ValidateAccessToken(ctx context.Context, token string) (*oauth.ValidatedToken, error)
}

// MiddlewareConfig holds the dependencies of Middleware.
type MiddlewareConfig struct {
	Tenants   TenantStore
	Tokens    TokenValidator
	Endpoints oauth.Endpoints
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Middleware gates tenant endpoints.
type Middleware struct {
	tenants   TenantStore
	tokens    TokenValidator
	endpoints oauth.Endpoints
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewMiddleware creates a Middleware.
func NewMiddleware(cfg MiddlewareConfig) *Middleware {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{
		tenants:   cfg.Tenants,
		tokens:    cfg.Tokens,
		endpoints: cfg.Endpoints,
		metrics:   cfg.Metrics,
		logger:    logger.With("component", "access"),
	}
}

// Path guards routes under /s/{uuid}.
func (m *Middleware) Path(kind Resource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.guard(w, r, r.PathValue("uuid"), kind, next)
		})
	}
}

// Subdomain guards requests addressed by X-Server-UUID or by a tenant
// subdomain host. Requests for the main domain pass through untouched.
func (m *Middleware) Subdomain(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uuid, ok := m.ResolveSubdomainTenant(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		m.guard(w, r, uuid, ResourceSubdomain, next)
	})
}

// ResolveSubdomainTenant returns the tenant a non-path request addresses. The
// header wins so a fronting proxy can name the tenant on any host.
func (m *Middleware) ResolveSubdomainTenant(r *http.Request) (string, bool) {
	if v := strings.TrimSpace(r.Header.Get(oauth.ServerUUIDHeader)); v != "" {
		if uuid, ok := m.endpoints.TenantFromRequest(r); ok {
			return uuid, true
		}
	}
	if m.endpoints.IsMainDomain(r.Host) {
		return "", false
	}
	return m.endpoints.TenantFromHost(r.Host)
}

func (m *Middleware) guard(w http.ResponseWriter, r *http.Request, uuid string, kind Resource, next http.Handler) {
	if r.Method == http.MethodOptions {
		next.ServeHTTP(w, r)
		return
	}
	ctx := r.Context()

	tenant, err := m.tenants.GetTenantByUUID(ctx, uuid)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "server_not_found"})
		return
	}
	if err != nil {
		m.logger.Error("loading tenant failed", "uuid", uuid, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	ctx = WithTenant(ctx, uuid)

	if tenant.EffectiveAccess() == store.AccessPublic {
		next.ServeHTTP(w, r.WithContext(ctx))
		return
	}

	token, failure := extractBearerToken(r.Header.Get("Authorization"))
	if failure != nil {
		m.metrics.ObserveTokenCheck("invalid")
		m.challenge(w, r, uuid, kind, failure)
		return
	}

	validated, err := m.tokens.ValidateAccessToken(ctx, token)
	switch {
	case errors.Is(err, oauth.ErrAccessTokenExpired):
		m.metrics.ObserveTokenCheck("expired")
		m.challenge(w, r, uuid, kind, &credentialFailure{"invalid_token", "The access token has expired"})
		return
	case errors.Is(err, oauth.ErrInvalidAccessToken):
		m.metrics.ObserveTokenCheck("invalid")
		m.challenge(w, r, uuid, kind, &credentialFailure{"invalid_token", "The access token is invalid"})
		return
	case err != nil:
		m.logger.Error("validating access token failed", "uuid", uuid, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	m.metrics.ObserveTokenCheck("ok")

	if !oauth.CanAccessServer(tenant, validated.UserID) {
		m.logger.Info("access denied", "uuid", uuid, "user_id", validated.UserID, "access_level", tenant.EffectiveAccess())
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "insufficient_scope"})
		return
	}

	ctx = WithIdentity(ctx, &Identity{
		UserID:    validated.UserID,
		ClientID:  validated.ClientID,
		Scope:     validated.Scope,
		ExpiresAt: validated.ExpiresAt,
	})
	next.ServeHTTP(w, r.WithContext(ctx))
}

// credentialFailure is a 401 reason reported in the body and the challenge.
type credentialFailure struct {
	code        string
	description string
}

// extractBearerToken extracts a bearer token from the Authorization header.
func extractBearerToken(authHeader string) (string, *credentialFailure) {
	if authHeader == "" {
		return "", &credentialFailure{"missing_token", "Authorization header is required"}
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", &credentialFailure{"invalid_request", "Authorization header must be 'Bearer <token>'"}
	}
	return strings.TrimSpace(token), nil
}

// resourceURLs returns the resource and resource_metadata URLs for a tenant.
func (m *Middleware) resourceURLs(r *http.Request, uuid string, kind Resource) (string, string) {
	switch kind {
	case ResourceSubdomain:
		return m.endpoints.SubdomainResource(uuid), m.endpoints.SubdomainResourceMetadata(uuid)
	case ResourceSSE:
		return m.endpoints.SSEResource(r, uuid), m.endpoints.PathResourceMetadata(r, uuid)
	default:
		return m.endpoints.HTTPResource(r, uuid), m.endpoints.PathResourceMetadata(r, uuid)
	}
}

func (m *Middleware) challenge(w http.ResponseWriter, r *http.Request, uuid string, kind Resource, f *credentialFailure) {
	resource, metadata := m.resourceURLs(r, uuid, kind)
	w.Header().Set("WWW-Authenticate", ChallengeHeader(f.code, f.description, resource, metadata))
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":             f.code,
		"error_description": f.description,
	})
}

// ChallengeHeader formats a WWW-Authenticate Bearer challenge.
func ChallengeHeader(code, description, resource, metadata string) string {
	return fmt.Sprintf(`Bearer realm=%q, error=%q, error_description="%s", resource=%q, resource_metadata=%q`,
		Realm, code, strings.ReplaceAll(description, `"`, "'"), resource, metadata)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
