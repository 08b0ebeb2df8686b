// ABOUTME: HTTP surface of the authorization server: registration, consent, token and discovery
// ABOUTME: Every response carries CORS headers so browser-hosted MCP clients can complete the flow

package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/2389/relay-gateway/internal/store"
)

// DefaultLoginURL is where users without a session are sent.
const DefaultLoginURL = "/login"

// TenantStore is the slice of the catalog the discovery endpoints read.
type TenantStore interface {
	GetTenantByUUID(ctx context.Context, uuid string) (*store.Tenant, error)
	ListTenants(ctx context.Context) ([]*store.Tenant, error)
}

// HandlersConfig holds the dependencies of the OAuth HTTP handlers.
type HandlersConfig struct {
	Service   *Service
	Sessions  *Sessions
	Tenants   TenantStore
	Endpoints Endpoints
	LoginURL  string
	Logger    *slog.Logger
}

// Handlers serves the /.oauth and /.well-known routes.
type Handlers struct {
	service   *Service
	sessions  *Sessions
	tenants   TenantStore
	endpoints Endpoints
	loginURL  string
	logger    *slog.Logger
}

// NewHandlers creates Handlers.
func NewHandlers(cfg HandlersConfig) *Handlers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loginURL := cfg.LoginURL
	if loginURL == "" {
		loginURL = DefaultLoginURL
	}
	return &Handlers{
		service:   cfg.Service,
		sessions:  cfg.Sessions,
		tenants:   cfg.Tenants,
		endpoints: cfg.Endpoints,
		loginURL:  loginURL,
		logger:    logger.With("component", "oauth-http"),
	}
}

// RegisterRoutes mounts the handlers on mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST /.oauth/register", h.handleRegister},
		{"GET /.oauth/authorize", h.handleAuthorize},
		{"POST /.oauth/authorize", h.handleConsent},
		{"POST /.oauth/token", h.handleToken},
		{"GET /.well-known/oauth-authorization-server", h.handleServerMetadata},
		{"GET /.well-known/oauth-protected-resource", h.handleSubdomainResourceMetadata},
		{"GET /.well-known/oauth-protected-resource/s/{uuid}", h.handlePathResourceMetadata},
		{"GET /.well-known/oauth-protected-resource/s/{uuid}/sse", h.handlePathResourceMetadata},
		{"GET /.well-known/mcp-servers", h.handleDiscovery},
	}

	seen := make(map[string]bool)
	for _, rt := range routes {
		mux.HandleFunc(rt.pattern, rt.handler)
		_, path, _ := strings.Cut(rt.pattern, " ")
		if !seen[path] {
			mux.HandleFunc("OPTIONS "+path, Preflight)
			seen[path] = true
		}
	}
}

// tokenResponse is the body of a successful token request.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// ServerMetadata is the RFC 8414 authorization server metadata document.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// ResourceMetadata is the protected-resource document. It carries the RFC 9728
// fields and the older hyphenated keys some desktop clients still read.
type ResourceMetadata struct {
	Resource                 string   `json:"resource"`
	AuthorizationServers     []string `json:"authorization_servers"`
	BearerMethodsSupported   []string `json:"bearer_methods_supported"`
	ScopesSupported          []string `json:"scopes_supported"`
	OAuthAuthorizationServer string   `json:"oauth-authorization-server"`
	ProtectedResources       []string `json:"protected-resources"`
}

// ServerInfo is one entry of the discovery list.
type ServerInfo struct {
	ServerUUID             string `json:"server_uuid"`
	Name                   string `json:"name"`
	AccessLevel            string `json:"access_level"`
	HTTPEndpoint           string `json:"http_endpoint"`
	SSEEndpoint            string `json:"sse_endpoint"`
	AuthenticationRequired bool   `json:"authentication_required"`
}

func (h *Handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)

	var req RegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "request body must be a JSON object")
		return
	}

	resp, err := h.service.RegisterClient(r.Context(), nil, req)
	if errors.Is(err, ErrInvalidClientMetadata) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("client registration failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to register client")
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handlers) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	ctx := r.Context()
	q := r.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	if q.Get("response_type") != "code" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_response_type", "only the 'code' response type is supported")
		return
	}
	if clientID == "" || redirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "client_id and redirect_uri are required")
		return
	}

	client, err := h.clientForAuthorize(ctx, clientID, redirectURI)
	if errors.Is(err, ErrInvalidClientMetadata) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("loading client failed", "client_id", clientID, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to load client")
		return
	}
	if !client.HasRedirectURI(redirectURI) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not registered for this client")
		return
	}

	user, err := h.sessions.UserFromRequest(r)
	if err != nil {
		http.Redirect(w, r, h.loginRedirect(r), http.StatusFound)
		return
	}

	csrf, err := h.sessions.IssueCSRF(user.ID, clientID, redirectURI)
	if err != nil {
		h.logger.Error("issuing csrf token failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to render consent")
		return
	}

	scope := q.Get("scope")
	if scope == "" {
		scope = DefaultScope
	}

	var tenantName, tenantDescription string
	if uuid, ok := h.endpoints.TenantFromRequest(r); ok {
		if tenant, err := h.tenants.GetTenantByUUID(ctx, uuid); err == nil {
			tenantName, tenantDescription = tenant.Name, tenant.Description
		}
	}
	about, err := renderMarkdown(aboutText(client.Name, tenantName, tenantDescription))
	if err != nil {
		h.logger.Warn("rendering consent text failed", "error", err)
	}

	page := consentPage{
		ClientName:          client.Name,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		Scopes:              ParseScopes(scope),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		UserEmail:           user.Email,
		CSRFToken:           csrf,
		About:               about,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := renderConsent(w, page); err != nil {
		h.logger.Error("rendering consent page failed", "error", err)
	}
}

// clientForAuthorize loads the client, registering it on first sight.
func (h *Handlers) clientForAuthorize(ctx context.Context, clientID, redirectURI string) (*store.OAuthClient, error) {
	client, err := h.service.GetClient(ctx, clientID)
	if err == nil {
		return client, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	short := clientID
	if len(short) > 8 {
		short = short[:8]
	}
	_, err = h.service.RegisterClientWithID(ctx, clientID, RegistrationRequest{
		ClientName:   "Auto-registered: " + short,
		RedirectURIs: []string{redirectURI},
	})
	if err != nil {
		return nil, err
	}
	h.logger.Info("auto-registered oauth client", "client_id", clientID)
	return h.service.GetClient(ctx, clientID)
}

func (h *Handlers) loginRedirect(r *http.Request) string {
	returnTo := "/.oauth/authorize?" + r.URL.RawQuery
	u, err := url.Parse(h.loginURL)
	if err != nil {
		return DefaultLoginURL + "?return_to=" + url.QueryEscape(returnTo)
	}
	q := u.Query()
	q.Set("return_to", returnTo)
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *Handlers) handleConsent(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	clientID := r.PostForm.Get("client_id")
	redirectURI := r.PostForm.Get("redirect_uri")
	state := r.PostForm.Get("state")

	user, err := h.sessions.UserFromRequest(r)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	if err := h.sessions.VerifyCSRF(r.PostForm.Get("csrf_token"), user.ID, clientID, redirectURI); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid csrf token")
		return
	}

	switch r.PostForm.Get("action") {
	case "deny":
		http.Redirect(w, r, withQuery(redirectURI, "error", "access_denied", state), http.StatusSeeOther)
	case "approve":
		scope := r.PostForm.Get("scope")
		if scope == "" {
			scope = DefaultScope
		}
		code, err := h.service.CreateAuthorizationCode(ctx, CodeRequest{
			ClientID:            clientID,
			UserID:              user.ID,
			RedirectURI:         redirectURI,
			Scope:               scope,
			CodeChallenge:       r.PostForm.Get("code_challenge"),
			CodeChallengeMethod: r.PostForm.Get("code_challenge_method"),
		})
		if err != nil {
			h.logger.Error("creating authorization code failed", "client_id", clientID, "error", err)
			writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to create authorization code")
			return
		}
		h.logger.Info("authorization granted", "client_id", clientID, "user_id", user.ID)
		http.Redirect(w, r, withQuery(redirectURI, "code", code, state), http.StatusSeeOther)
	default:
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "action must be approve or deny")
	}
}

// withQuery appends key=value and an optional state to a redirect URI.
func withQuery(redirectURI, key, value, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set(key, value)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *Handlers) handleToken(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	w.Header().Set("Cache-Control", "no-store")

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		h.authorizationCodeGrant(w, r)
	case "refresh_token":
		h.refreshTokenGrant(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	}
}

func (h *Handlers) authorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	form := r.PostForm

	code, clientID, redirectURI := form.Get("code"), form.Get("client_id"), form.Get("redirect_uri")
	switch {
	case code == "":
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "missing code")
		return
	case clientID == "":
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "missing client_id")
		return
	case redirectURI == "":
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "missing redirect_uri")
		return
	}

	if !h.checkClientSecret(w, r, clientID) {
		return
	}

	consumed, err := h.service.ConsumeAuthorizationCode(ctx, code, clientID, redirectURI)
	if err != nil {
		h.grantError(w, err)
		return
	}

	if consumed.CodeChallenge != "" {
		verifier := form.Get("code_verifier")
		if verifier == "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request", "missing code_verifier")
			return
		}
		if err := ValidatePKCE(verifier, consumed.CodeChallenge, consumed.CodeChallengeMethod); err != nil {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", err.Error())
			return
		}
	}

	h.issueTokens(w, r, clientID, consumed.UserID, consumed.Scope)
}

func (h *Handlers) refreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	refresh := r.PostForm.Get("refresh_token")
	if refresh == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "missing refresh_token")
		return
	}

	consumed, err := h.service.ConsumeRefreshToken(r.Context(), refresh)
	if err != nil {
		h.grantError(w, err)
		return
	}
	if clientID := r.PostForm.Get("client_id"); clientID != "" && clientID != consumed.ClientID {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", ErrClientMismatch.Error())
		return
	}

	h.issueTokens(w, r, consumed.ClientID, consumed.UserID, consumed.Scope)
}

// checkClientSecret verifies a client_secret when the client sends one. Public
// clients authenticate with PKCE alone.
func (h *Handlers) checkClientSecret(w http.ResponseWriter, r *http.Request, clientID string) bool {
	secret := r.PostForm.Get("client_secret")
	if secret == "" {
		return true
	}
	_, err := h.service.VerifyClientCredentials(r.Context(), clientID, secret)
	if errors.Is(err, ErrInvalidClient) {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return false
	}
	if err != nil {
		h.logger.Error("verifying client credentials failed", "client_id", clientID, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to verify client")
		return false
	}
	return true
}

func (h *Handlers) issueTokens(w http.ResponseWriter, r *http.Request, clientID string, userID int64, scope string) {
	ctx := r.Context()

	access, expires, err := h.service.CreateAccessToken(ctx, clientID, userID, scope)
	if err != nil {
		h.logger.Error("creating access token failed", "client_id", clientID, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to issue token")
		return
	}
	refresh, err := h.service.CreateRefreshToken(ctx, clientID, userID, scope)
	if err != nil {
		h.logger.Error("creating refresh token failed", "client_id", clientID, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to issue token")
		return
	}

	h.logger.Debug("issued tokens", "client_id", clientID, "user_id", userID, "expires_at", expires)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(AccessTokenTTL.Seconds()),
		Scope:        scope,
		RefreshToken: refresh,
	})
}

var grantErrors = []error{
	ErrInvalidCode, ErrClientMismatch, ErrRedirectMismatch, ErrCodeExpired, ErrCodeUsed,
	ErrInvalidRefreshToken, ErrRefreshTokenExpired, ErrRefreshTokenUsed,
}

func (h *Handlers) grantError(w http.ResponseWriter, err error) {
	for _, target := range grantErrors {
		if errors.Is(err, target) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", err.Error())
			return
		}
	}
	h.logger.Error("token grant failed", "error", err)
	writeOAuthError(w, http.StatusInternalServerError, "server_error", "internal error")
}

func (h *Handlers) handleServerMetadata(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)

	issuer := h.endpoints.Base(r)
	if uuid, ok := h.endpoints.TenantFromRequest(r); ok && h.endpoints.TenantDomain != "" {
		issuer = h.endpoints.SubdomainBase(uuid)
	}

	writeJSON(w, http.StatusOK, ServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/.oauth/authorize",
		TokenEndpoint:                     issuer + "/.oauth/token",
		RegistrationEndpoint:              issuer + "/.oauth/register",
		ScopesSupported:                   []string{DefaultScope},
		ResponseTypesSupported:            []string{"code"},
		ResponseModesSupported:            []string{"query"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
	})
}

func (h *Handlers) handlePathResourceMetadata(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)
	uuid := r.PathValue("uuid")

	if !h.tenantExists(w, r, uuid) {
		return
	}

	base := h.endpoints.Base(r)
	resource := h.endpoints.HTTPResource(r, uuid)
	if strings.HasSuffix(r.URL.Path, "/sse") {
		resource = h.endpoints.SSEResource(r, uuid)
	}

	var protected []string
	if h.endpoints.TenantDomain != "" {
		protected = append(protected, h.endpoints.SubdomainResource(uuid), h.endpoints.SubdomainBase(uuid)+"/message")
	}
	protected = append(protected,
		h.endpoints.HTTPResource(r, uuid),
		h.endpoints.SSEResource(r, uuid),
		h.endpoints.SSEResource(r, uuid)+"/message",
	)

	writeJSON(w, http.StatusOK, ResourceMetadata{
		Resource:                 resource,
		AuthorizationServers:     []string{base},
		BearerMethodsSupported:   []string{"header"},
		ScopesSupported:          []string{DefaultScope},
		OAuthAuthorizationServer: base + "/.well-known/oauth-authorization-server",
		ProtectedResources:       protected,
	})
}

func (h *Handlers) handleSubdomainResourceMetadata(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)

	uuid, ok := h.endpoints.TenantFromRequest(r)
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "no server named by host or "+ServerUUIDHeader)
		return
	}
	if !h.tenantExists(w, r, uuid) {
		return
	}

	base := h.endpoints.SubdomainBase(uuid)
	writeJSON(w, http.StatusOK, ResourceMetadata{
		Resource:                 h.endpoints.SubdomainResource(uuid),
		AuthorizationServers:     []string{base},
		BearerMethodsSupported:   []string{"header"},
		ScopesSupported:          []string{DefaultScope},
		OAuthAuthorizationServer: base + "/.well-known/oauth-authorization-server",
		ProtectedResources:       []string{base + "/", base + "/message"},
	})
}

func (h *Handlers) tenantExists(w http.ResponseWriter, r *http.Request, uuid string) bool {
	_, err := h.tenants.GetTenantByUUID(r.Context(), uuid)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "server_not_found"})
		return false
	}
	if err != nil {
		h.logger.Error("loading tenant failed", "uuid", uuid, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return false
	}
	return true
}

func (h *Handlers) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	SetCORS(w)

	tenants, err := h.tenants.ListTenants(r.Context())
	if err != nil {
		h.logger.Error("listing tenants failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}

	servers := make([]ServerInfo, 0, len(tenants))
	for _, t := range tenants {
		level := t.EffectiveAccess()
		if level != store.AccessPublic && level != store.AccessOrganization {
			continue
		}
		servers = append(servers, ServerInfo{
			ServerUUID:             t.UUID,
			Name:                   t.Name,
			AccessLevel:            string(level),
			HTTPEndpoint:           h.endpoints.HTTPResource(r, t.UUID),
			SSEEndpoint:            h.endpoints.SSEResource(r, t.UUID),
			AuthenticationRequired: level != store.AccessPublic,
		})
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })

	writeJSON(w, http.StatusOK, servers)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an OAuth-style {error, error_description} body.
func WriteError(w http.ResponseWriter, status int, code, description string) {
	writeOAuthError(w, status, code, description)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
