// ABOUTME: Thread-safe map of tenant UUID to live MCP instance
// ABOUTME: Supports register, unregister, hot reload and bulk load at startup

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/2389/relay-gateway/internal/mcp"
	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/store"
)

var (
	// ErrAlreadyRegistered is returned when registering a tenant that is already live.
	ErrAlreadyRegistered = errors.New("server already registered")

	// ErrServerNotFound is returned when the tenant row or live instance does not exist.
	ErrServerNotFound = errors.New("server not found")
)

// loadConcurrency bounds parallel builds during LoadAll.
const loadConcurrency = 4

// Config configures a Registry.
type Config struct {
	Catalog store.CatalogStore
	Invoker mcp.Invoker
	Version string
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Registry holds every live tenant instance.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*mcp.Instance

	catalog store.CatalogStore
	builder *Builder
	invoker mcp.Invoker
	version string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		instances: make(map[string]*mcp.Instance),
		catalog:   cfg.Catalog,
		builder:   NewBuilder(cfg.Catalog, logger),
		invoker:   cfg.Invoker,
		version:   cfg.Version,
		metrics:   cfg.Metrics,
		logger:    logger.With("component", "registry"),
	}
}

// Register builds the tenant from current catalog state and makes it live.
func (r *Registry) Register(ctx context.Context, uuid string) error {
	if _, ok := r.Get(uuid); ok {
		return fmt.Errorf("%s: %w", uuid, ErrAlreadyRegistered)
	}

	tenant, err := r.loadTenant(ctx, uuid)
	if err != nil {
		return err
	}

	table, err := r.builder.Build(ctx, tenant)
	if err != nil {
		return fmt.Errorf("building %s: %w", uuid, err)
	}

	inst := mcp.NewInstance(mcp.InstanceConfig{
		TenantID: tenant.ID,
		UUID:     tenant.UUID,
		Table:    table,
		Invoker:  r.invoker,
		Version:  r.version,
		Metrics:  r.metrics,
		Logger:   r.logger,
	})

	r.mu.Lock()
	if _, exists := r.instances[uuid]; exists {
		r.mu.Unlock()
		inst.Shutdown()
		return fmt.Errorf("%s: %w", uuid, ErrAlreadyRegistered)
	}
	r.instances[uuid] = inst
	count := len(r.instances)
	r.mu.Unlock()

	r.metrics.SetTenants(count)
	r.logger.Info("registered server", "tenant_uuid", uuid, "tenant_id", tenant.ID, "tools", table.Len())
	return nil
}

// Unregister removes the tenant and shuts its instance down.
func (r *Registry) Unregister(uuid string) error {
	r.mu.Lock()
	inst, ok := r.instances[uuid]
	if ok {
		delete(r.instances, uuid)
	}
	count := len(r.instances)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", uuid, ErrServerNotFound)
	}

	inst.Shutdown()
	r.metrics.SetTenants(count)
	r.logger.Info("unregistered server", "tenant_uuid", uuid)
	return nil
}

// Reload rebuilds the tenant's routing table and swaps it into the live instance.
// On failure the previous table stays live.
func (r *Registry) Reload(ctx context.Context, uuid string) error {
	inst, ok := r.Get(uuid)
	if !ok {
		return fmt.Errorf("%s: %w", uuid, ErrServerNotFound)
	}

	err := r.rebuild(ctx, inst)
	r.metrics.ObserveReload(err == nil)
	if err != nil {
		r.logger.Warn("reload failed, keeping previous tools", "tenant_uuid", uuid, "error", err)
		return err
	}
	return nil
}

// rebuild loads and builds under the instance's rebuild lock, so a reload that
// started later never has its table overwritten by an older build.
func (r *Registry) rebuild(ctx context.Context, inst *mcp.Instance) error {
	return inst.Rebuild(func() (*mcp.RoutingTable, error) {
		tenant, err := r.loadTenant(ctx, inst.UUID())
		if err != nil {
			return nil, err
		}
		table, err := r.builder.Build(ctx, tenant)
		if err != nil {
			return nil, fmt.Errorf("building %s: %w", inst.UUID(), err)
		}
		return table, nil
	})
}

// Sync brings one tenant in line with the catalog: reload if live, register if
// new, unregister if its row is gone.
func (r *Registry) Sync(ctx context.Context, uuid string) error {
	_, err := r.catalog.GetTenantByUUID(ctx, uuid)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if uerr := r.Unregister(uuid); uerr != nil && !errors.Is(uerr, ErrServerNotFound) {
			return uerr
		}
		return nil
	case err != nil:
		return fmt.Errorf("loading server %s: %w", uuid, err)
	}

	if _, ok := r.Get(uuid); ok {
		return r.Reload(ctx, uuid)
	}
	err = r.Register(ctx, uuid)
	if errors.Is(err, ErrAlreadyRegistered) {
		// Lost a race with a concurrent register; make sure the latest rows are live
		return r.Reload(ctx, uuid)
	}
	return err
}

// Get returns the live instance for a tenant.
func (r *Registry) Get(uuid string) (*mcp.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[uuid]
	return inst, ok
}

// LoadAll registers every tenant in the catalog. Per-tenant failures are logged
// and skipped; only a failure to list tenants is returned.
func (r *Registry) LoadAll(ctx context.Context) error {
	tenants, err := r.catalog.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("listing servers: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(loadConcurrency)
	for _, t := range tenants {
		if t.UUID == "" {
			r.logger.Warn("server has no uuid, skipping", "tenant_id", t.ID)
			continue
		}
		g.Go(func() error {
			if err := r.Register(ctx, t.UUID); err != nil {
				r.logger.Warn("failed to register server", "tenant_uuid", t.UUID, "tenant_id", t.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("loaded servers", "registered", r.Count(), "total", len(tenants))
	return nil
}

// ShutdownAll drains the registry and shuts every instance down.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	drained := r.instances
	r.instances = make(map[string]*mcp.Instance)
	r.mu.Unlock()

	for _, inst := range drained {
		inst.Shutdown()
	}
	r.metrics.SetTenants(0)
	r.logger.Info("all servers shut down", "count", len(drained))
}

// Count returns the number of live tenants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// UUIDs returns the live tenant UUIDs in sorted order.
func (r *Registry) UUIDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.instances))
	for id := range r.instances {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) loadTenant(ctx context.Context, uuid string) (*store.Tenant, error) {
	tenant, err := r.catalog.GetTenantByUUID(ctx, uuid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", uuid, ErrServerNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading server %s: %w", uuid, err)
	}
	return tenant, nil
}
