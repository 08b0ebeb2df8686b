// ABOUTME: Immutable routing table mapping tool names to invocation bindings
// ABOUTME: Built off to the side by the registry and swapped into a dispatcher atomically

package mcp

import (
	"fmt"

	"github.com/2389/relay-gateway/internal/invoke"
)

// Route pairs the advertised tool with the data needed to invoke it.
type Route struct {
	Info    ToolInfo
	Binding *invoke.Binding
}

// RoutingTable is a read-only snapshot of a tenant's tools, in build order.
type RoutingTable struct {
	routes []Route
	index  map[string]int
}

// NewRoutingTable indexes routes by tool name. Duplicate names are rejected.
func NewRoutingTable(routes []Route) (*RoutingTable, error) {
	t := &RoutingTable{
		routes: make([]Route, len(routes)),
		index:  make(map[string]int, len(routes)),
	}
	copy(t.routes, routes)

	for i, r := range t.routes {
		if r.Info.Name == "" {
			return nil, fmt.Errorf("route %d has no tool name", i)
		}
		if _, dup := t.index[r.Info.Name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", r.Info.Name)
		}
		t.index[r.Info.Name] = i
	}
	return t, nil
}

// EmptyRoutingTable returns a table with no tools.
func EmptyRoutingTable() *RoutingTable {
	return &RoutingTable{index: map[string]int{}}
}

// Lookup finds the route for a tool name.
func (t *RoutingTable) Lookup(name string) (*Route, bool) {
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return &t.routes[i], true
}

// Tools returns the advertised tools in build order.
func (t *RoutingTable) Tools() []ToolInfo {
	out := make([]ToolInfo, len(t.routes))
	for i, r := range t.routes {
		out[i] = r.Info
	}
	return out
}

// Len returns the number of routes.
func (t *RoutingTable) Len() int { return len(t.routes) }
