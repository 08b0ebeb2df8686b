// ABOUTME: A tenant's live MCP endpoint: dispatcher, stream hub and lifecycle
// ABOUTME: Instances outlive reloads; only their routing table is replaced

package mcp

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/2389/relay-gateway/internal/metrics"
)

// InstanceConfig configures an Instance.
type InstanceConfig struct {
	TenantID int64
	UUID     string
	Table    *RoutingTable
	Invoker  Invoker
	Version  string
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Instance serves one tenant.
type Instance struct {
	uuid       string
	tenantID   int64
	dispatcher *Dispatcher
	hub        *Hub
	closed     atomic.Bool
	logger     *slog.Logger

	// rebuildMu serializes Rebuild so the last table built is the last swapped.
	rebuildMu sync.Mutex
}

// NewInstance creates an Instance with the given initial routing table.
func NewInstance(cfg InstanceConfig) *Instance {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tenant_uuid", cfg.UUID)

	return &Instance{
		uuid:     cfg.UUID,
		tenantID: cfg.TenantID,
		dispatcher: NewDispatcher(DispatcherConfig{
			TenantID: cfg.TenantID,
			Invoker:  cfg.Invoker,
			Table:    cfg.Table,
			Version:  cfg.Version,
			Metrics:  cfg.Metrics,
			Logger:   logger,
		}),
		hub:    NewHub(logger),
		logger: logger.With("component", "instance"),
	}
}

// UUID returns the tenant's public identifier.
func (i *Instance) UUID() string { return i.uuid }

// TenantID returns the tenant's database id.
func (i *Instance) TenantID() int64 { return i.tenantID }

// Dispatcher returns the instance's dispatcher.
func (i *Instance) Dispatcher() *Dispatcher { return i.dispatcher }

// Hub returns the instance's stream hub.
func (i *Instance) Hub() *Hub { return i.hub }

// Swap replaces the routing table.
func (i *Instance) Swap(t *RoutingTable) {
	if t == nil {
		t = EmptyRoutingTable()
	}
	i.dispatcher.Swap(t)
	i.logger.Info("routing table swapped", "tools", t.Len())
}

// Rebuild runs build and swaps in its table while holding the instance's
// rebuild lock. Concurrent rebuilds queue, so each one reads the catalog after
// the previous one has swapped. On error the current table stays live.
func (i *Instance) Rebuild(build func() (*RoutingTable, error)) error {
	i.rebuildMu.Lock()
	defer i.rebuildMu.Unlock()

	t, err := build()
	if err != nil {
		return err
	}
	i.Swap(t)
	return nil
}

// Closed reports whether Shutdown has run.
func (i *Instance) Closed() bool { return i.closed.Load() }

// Shutdown closes every open stream. It is safe to call more than once.
func (i *Instance) Shutdown() {
	if !i.closed.CompareAndSwap(false, true) {
		return
	}
	i.hub.Close()
	i.logger.Info("instance shut down")
}
