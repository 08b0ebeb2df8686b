// ABOUTME: Builds a tenant's routing table from the catalog
// ABOUTME: Extracts placeholders, generates schemas and binds each tool instance

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/relay-gateway/internal/httpexec"
	"github.com/2389/relay-gateway/internal/invoke"
	"github.com/2389/relay-gateway/internal/mcp"
	"github.com/2389/relay-gateway/internal/params"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/variables"
)

// ErrToolMissing is returned when an instance references a tool that no longer exists.
var ErrToolMissing = errors.New("tool missing")

// Builder turns catalog rows into routing tables.
type Builder struct {
	catalog store.CatalogStore
	logger  *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(catalog store.CatalogStore, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{catalog: catalog, logger: logger.With("component", "builder")}
}

// Build loads every instance of the tenant and produces its routing table.
// Any missing tool fails the whole build.
func (b *Builder) Build(ctx context.Context, tenant *store.Tenant) (*mcp.RoutingTable, error) {
	instances, err := b.catalog.ListToolInstances(ctx, tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}

	routes := make([]mcp.Route, 0, len(instances))
	for _, inst := range instances {
		route, err := b.buildRoute(ctx, tenant, inst)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}

	table, err := mcp.NewRoutingTable(routes)
	if err != nil {
		return nil, fmt.Errorf("building routing table: %w", err)
	}

	b.logger.Debug("built routing table", "tenant_uuid", tenant.UUID, "tools", table.Len())
	return table, nil
}

func (b *Builder) buildRoute(ctx context.Context, tenant *store.Tenant, inst *store.ToolInstance) (mcp.Route, error) {
	tool, err := b.catalog.GetTool(ctx, inst.ToolID)
	if errors.Is(err, store.ErrNotFound) {
		return mcp.Route{}, fmt.Errorf("instance %q references tool %d: %w", inst.Name, inst.ToolID, ErrToolMissing)
	}
	if err != nil {
		return mcp.Route{}, fmt.Errorf("loading tool %d: %w", inst.ToolID, err)
	}

	rows, err := b.catalog.ListInstanceParams(ctx, inst.ID)
	if err != nil {
		return mcp.Route{}, fmt.Errorf("loading params for instance %q: %w", inst.Name, err)
	}
	configs := make([]store.ParamConfig, len(rows))
	for i, p := range rows {
		configs[i] = *p
	}

	vars := variables.ExtractFromTool(tool.URL, tool.Headers, tool.Body)

	description := inst.Description
	if description == "" {
		description = tool.Description
	}

	return mcp.Route{
		Info: mcp.ToolInfo{
			Name:        inst.Name,
			Description: description,
			InputSchema: params.GenerateSchema(configs, vars),
		},
		Binding: &invoke.Binding{
			TenantID:   tenant.ID,
			InstanceID: inst.ID,
			ToolID:     tool.ID,
			Name:       inst.Name,
			Tool: httpexec.Tool{
				Name:    tool.Name,
				Method:  tool.Method,
				URL:     tool.URL,
				Headers: tool.Headers,
				Body:    tool.Body,
				Timeout: time.Duration(tool.TimeoutMS) * time.Millisecond,
			},
			Plan: params.NewPlan(tenant.ID, vars, configs),
		},
	}, nil
}
