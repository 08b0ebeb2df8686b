// ABOUTME: JSON-RPC dispatcher for one tenant: initialize, tools/list, tools/call, ping
// ABOUTME: Reads the routing table through an atomic pointer so reloads never block calls

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/2389/relay-gateway/internal/invoke"
	"github.com/2389/relay-gateway/internal/metrics"
)

// DefaultProtocolVersion is advertised when the client asks for an unknown version.
const DefaultProtocolVersion = "2025-06-18"

var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
}

// Invoker runs one bound tool call.
type Invoker interface {
	Invoke(ctx context.Context, b *invoke.Binding, args map[string]any) (*invoke.Result, error)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	TenantID int64
	Invoker  Invoker
	Table    *RoutingTable
	Version  string
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Dispatcher answers JSON-RPC requests for one tenant.
type Dispatcher struct {
	tenantID int64
	invoker  Invoker
	version  string
	table    atomic.Pointer[RoutingTable]
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil table starts it with no tools.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "1.0.0"
	}

	d := &Dispatcher{
		tenantID: cfg.TenantID,
		invoker:  cfg.Invoker,
		version:  version,
		metrics:  cfg.Metrics,
		logger:   logger.With("component", "mcp", "tenant_id", cfg.TenantID),
	}
	table := cfg.Table
	if table == nil {
		table = EmptyRoutingTable()
	}
	d.table.Store(table)
	return d
}

// Swap installs a new routing table. Calls already in flight keep their snapshot.
func (d *Dispatcher) Swap(t *RoutingTable) {
	if t == nil {
		t = EmptyRoutingTable()
	}
	d.table.Store(t)
}

// Table returns the current routing table.
func (d *Dispatcher) Table() *RoutingTable {
	return d.table.Load()
}

// Tools returns the currently advertised tools.
func (d *Dispatcher) Tools() []ToolInfo {
	return d.table.Load().Tools()
}

// Handle processes one JSON-RPC message. It returns nil for notifications.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) (resp *JSONRPCResponse) {
	var id json.RawMessage
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic handling request", "panic", r)
			resp = errorResponse(id, JSONRPCInternalError, "internal error")
		}
	}()

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return errorResponse(nil, JSONRPCInvalidRequest, "empty request body")
	}
	if !json.Valid(body) {
		return errorResponse(nil, JSONRPCParseError, "invalid JSON")
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(nil, JSONRPCInvalidRequest, "request must be a JSON object")
	}
	id = req.ID

	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version")
	}
	if req.Method == "" {
		return errorResponse(req.ID, JSONRPCInvalidRequest, "method is required")
	}

	d.metrics.ObserveRPC(req.Method, invoke.TransportFrom(ctx))

	if req.IsNotification() {
		if strings.HasPrefix(req.Method, "notifications/") {
			d.logger.Debug("accepted notification", "method", req.Method)
		} else {
			d.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		return nil
	}

	d.logger.Debug("request", "method", req.Method)

	switch req.Method {
	case "initialize":
		return d.handleInitialize(&req)
	case "tools/list":
		return resultResponse(req.ID, ListToolsResult{Tools: d.Tools()})
	case "tools/call":
		return d.handleToolsCall(ctx, &req)
	case "ping":
		return resultResponse(req.ID, struct{}{})
	default:
		return errorResponse(req.ID, JSONRPCMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (d *Dispatcher) handleInitialize(req *JSONRPCRequest) *JSONRPCResponse {
	var params InitializeParams
	if len(req.Params) > 0 {
		// Unreadable params fall back to the default version
		_ = json.Unmarshal(req.Params, &params)
	}

	version := DefaultProtocolVersion
	if supportedProtocolVersions[params.ProtocolVersion] {
		version = params.ProtocolVersion
	}

	return resultResponse(req.ID, InitializeResult{
		ProtocolVersion: version,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		ServerInfo: ServerInfo{
			Name:    fmt.Sprintf("relay-server-%d", d.tenantID),
			Version: d.version,
		},
		Instructions: fmt.Sprintf("Relay MCP server %d", d.tenantID),
	})
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, JSONRPCInvalidParams, "invalid params")
		}
	}

	table := d.table.Load()
	route, ok := table.Lookup(params.Name)
	if !ok {
		return errorResponse(req.ID, JSONRPCInvalidParams, fmt.Sprintf("tool %q not found", params.Name))
	}

	args := map[string]any{}
	if len(params.Arguments) > 0 && string(params.Arguments) != "null" {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return errorResponse(req.ID, JSONRPCInvalidParams, "arguments must be a JSON object")
		}
	}

	result, err := d.invoker.Invoke(ctx, route.Binding, args)
	if err != nil {
		if errors.Is(err, invoke.ErrInvalidParams) {
			return errorResponse(req.ID, JSONRPCInvalidParams, err.Error())
		}
		d.logger.Error("tool call failed", "tool", params.Name, "error", err)
		return errorResponse(req.ID, JSONRPCInternalError, "internal error")
	}

	d.logger.Debug("tools/call complete", "tool", params.Name, "is_error", result.IsError)

	return resultResponse(req.ID, CallToolResult{
		Content: []Content{{Type: "text", Text: result.Text}},
		IsError: result.IsError,
	})
}
