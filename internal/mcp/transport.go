// ABOUTME: HTTP transports for tenant instances: request/response and push stream
// ABOUTME: Tenant lookup is delegated so the same handlers serve path and subdomain routes

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/relay-gateway/internal/invoke"
	"github.com/2389/relay-gateway/internal/metrics"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// DefaultKeepAlive is the interval between stream keep-alive comments.
const DefaultKeepAlive = 30 * time.Second

// InstanceSource looks up live instances by tenant UUID.
type InstanceSource interface {
	Get(uuid string) (*Instance, bool)
}

// TenantFunc extracts the tenant UUID from a request.
type TenantFunc func(r *http.Request) string

// EndpointFunc returns the message endpoint path announced to a new stream.
type EndpointFunc func(tenantUUID string) string

// PathEndpoint announces /s/{uuid}/sse/message.
func PathEndpoint(tenantUUID string) string {
	return "/s/" + tenantUUID + "/sse/message"
}

// SubdomainEndpoint announces /message on the tenant's own host.
func SubdomainEndpoint(string) string {
	return "/message"
}

// TransportConfig configures a Transport.
type TransportConfig struct {
	Instances InstanceSource
	Tenant    TenantFunc
	KeepAlive time.Duration
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Transport exposes instances over HTTP.
type Transport struct {
	instances InstanceSource
	tenant    TenantFunc
	keepAlive time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewTransport creates a Transport.
func NewTransport(cfg TransportConfig) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	tenant := cfg.Tenant
	if tenant == nil {
		tenant = func(r *http.Request) string { return r.PathValue("uuid") }
	}
	return &Transport{
		instances: cfg.Instances,
		tenant:    tenant,
		keepAlive: keepAlive,
		metrics:   cfg.Metrics,
		logger:    logger.With("component", "mcp-transport"),
	}
}

// ServeRPC returns the request/response handler. transport names the route
// in execution records.
func (t *Transport) ServeRPC(transport string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := t.lookup(w, r)
		if !ok {
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
		if err != nil {
			writeRPC(w, t.logger, errorResponse(nil, JSONRPCParseError, "failed to read request body"))
			return
		}
		if int64(len(body)) > MaxRequestBodySize {
			writeRPC(w, t.logger, errorResponse(nil, JSONRPCInvalidRequest, "request body too large"))
			return
		}

		ctx := invoke.WithTransport(r.Context(), transport)
		resp := inst.Dispatcher().Handle(ctx, body)
		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeRPC(w, t.logger, resp)
	}
}

// ServeStream returns the push-stream handler. The first event announces the
// message endpoint; responses to posted messages follow as message events.
func (t *Transport) ServeStream(endpoint EndpointFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := t.lookup(w, r)
		if !ok {
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSONError(w, http.StatusInternalServerError, "streaming_unsupported")
			return
		}

		sessionID, messages, ok := inst.Hub().Open()
		if !ok {
			writeJSONError(w, http.StatusNotFound, "server_not_found")
			return
		}
		defer inst.Hub().Remove(sessionID)

		t.metrics.StreamOpened()
		defer t.metrics.StreamClosed()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		_, _ = fmt.Fprintf(w, "event: endpoint\ndata: %s?sessionId=%s\n\n", endpoint(inst.UUID()), sessionID)
		flusher.Flush()

		t.logger.Debug("stream opened", "tenant_uuid", inst.UUID(), "session_id", sessionID)
		t.pump(r.Context(), w, flusher, messages)
		t.logger.Debug("stream closed", "tenant_uuid", inst.UUID(), "session_id", sessionID)
	}
}

// pump writes queued messages and keep-alives until the client leaves or the session closes.
func (t *Transport) pump(ctx context.Context, w io.Writer, flusher http.Flusher, messages <-chan []byte) {
	ticker := time.NewTicker(t.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ServeMessage returns the handler that accepts a request for an open stream session.
func (t *Transport) ServeMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := t.lookup(w, r)
		if !ok {
			return
		}

		sessionID := r.URL.Query().Get("sessionId")
		if sessionID == "" || !inst.Hub().Has(sessionID) {
			writeJSONError(w, http.StatusNotFound, "session_not_found")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
		if err != nil || int64(len(body)) > MaxRequestBodySize {
			writeJSONError(w, http.StatusBadRequest, "invalid_request")
			return
		}

		ctx := invoke.WithTransport(r.Context(), invoke.TransportSSE)
		if resp := inst.Dispatcher().Handle(ctx, body); resp != nil {
			data, err := json.Marshal(resp)
			if err != nil {
				t.logger.Error("failed to encode response", "error", err)
				data, _ = json.Marshal(errorResponse(resp.ID, JSONRPCInternalError, "internal error"))
			}
			if err := inst.Hub().Send(sessionID, data); err != nil {
				writeJSONError(w, http.StatusNotFound, "session_not_found")
				return
			}
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (t *Transport) lookup(w http.ResponseWriter, r *http.Request) (*Instance, bool) {
	tenantUUID := t.tenant(r)
	if tenantUUID == "" {
		writeJSONError(w, http.StatusNotFound, "server_not_found")
		return nil, false
	}
	inst, ok := t.instances.Get(tenantUUID)
	if !ok || inst.Closed() {
		writeJSONError(w, http.StatusNotFound, "server_not_found")
		return nil, false
	}
	return inst, true
}

func writeRPC(w http.ResponseWriter, logger *slog.Logger, resp *JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
