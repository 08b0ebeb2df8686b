// ABOUTME: HTTP handlers for health and the admin tenant API
// ABOUTME: Admin routes let the CRUD collaborator reload, register and drop tenants after catalog writes

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/registry"
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Tenants int    `json:"tenants"`
}

// TenantActionResponse is the JSON response for admin tenant operations.
type TenantActionResponse struct {
	UUID   string `json:"uuid"`
	Status string `json:"status"`
	Tools  int    `json:"tools,omitempty"`
}

// LiveTenantsResponse is the JSON response for GET /admin/tenants.
type LiveTenantsResponse struct {
	Tenants []LiveTenant `json:"tenants"`
}

// LiveTenant describes one registered tenant.
type LiveTenant struct {
	UUID    string `json:"uuid"`
	Tools   int    `json:"tools"`
	Streams int    `json:"streams"`
}

// handleHealth reports liveness and the number of live tenants.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("health check: database unreachable", "error", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{Status: status, Tenants: g.registry.Count()})
}

// handleListLive handles GET /admin/tenants.
func (g *Gateway) handleListLive(w http.ResponseWriter, r *http.Request) {
	resp := LiveTenantsResponse{Tenants: []LiveTenant{}}
	for _, uuid := range g.registry.UUIDs() {
		inst, ok := g.registry.Get(uuid)
		if !ok {
			continue
		}
		resp.Tenants = append(resp.Tenants, LiveTenant{
			UUID:    uuid,
			Tools:   inst.Dispatcher().Table().Len(),
			Streams: inst.Hub().Len(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReload handles POST /admin/tenants/{uuid}/reload. A tenant that is not
// live yet is registered, and one whose row is gone is dropped.
func (g *Gateway) handleReload(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	if err := g.registry.Sync(r.Context(), uuid); err != nil {
		g.writeRegistryError(w, r, "reload", uuid, err)
		return
	}
	g.writeTenantStatus(w, uuid, http.StatusOK)
}

// handleRegister handles POST /admin/tenants/{uuid}/register.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	if err := g.registry.Register(r.Context(), uuid); err != nil {
		g.writeRegistryError(w, r, "register", uuid, err)
		return
	}
	g.writeTenantStatus(w, uuid, http.StatusCreated)
}

// handleUnregister handles DELETE /admin/tenants/{uuid}.
func (g *Gateway) handleUnregister(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	if err := g.registry.Unregister(uuid); err != nil {
		g.writeRegistryError(w, r, "unregister", uuid, err)
		return
	}
	writeJSON(w, http.StatusOK, TenantActionResponse{UUID: uuid, Status: "unregistered"})
}

func (g *Gateway) writeTenantStatus(w http.ResponseWriter, uuid string, code int) {
	resp := TenantActionResponse{UUID: uuid, Status: "unregistered"}
	if inst, ok := g.registry.Get(uuid); ok {
		resp.Status = "live"
		resp.Tools = inst.Dispatcher().Table().Len()
	}
	writeJSON(w, code, resp)
}

func (g *Gateway) writeRegistryError(w http.ResponseWriter, r *http.Request, op, uuid string, err error) {
	subject := ""
	if p := auth.PrincipalFrom(r.Context()); p != nil {
		subject = p.Subject
	}

	switch {
	case errors.Is(err, registry.ErrServerNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "server_not_found"})
	case errors.Is(err, registry.ErrAlreadyRegistered):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already_registered"})
	default:
		g.logger.Error("admin "+op+" failed", "tenant_uuid", uuid, "subject", subject, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error", "error_description": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
