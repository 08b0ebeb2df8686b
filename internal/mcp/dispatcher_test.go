// ABOUTME: Tests for JSON-RPC dispatch: envelopes, initialize, tools/list and tools/call
// ABOUTME: Tool invocation is replaced by a fake invoker keyed by binding name

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/invoke"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
	args  map[string]any
	res   *invoke.Result
	err   error
}

func (f *fakeInvoker) Invoke(_ context.Context, b *invoke.Binding, args map[string]any) (*invoke.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, b.Name)
	f.args = args
	if f.err != nil {
		return nil, f.err
	}
	if f.res != nil {
		return f.res, nil
	}
	return &invoke.Result{Text: "called " + b.Name}, nil
}

func testTable(t *testing.T, names ...string) *RoutingTable {
	t.Helper()
	routes := make([]Route, len(names))
	for i, n := range names {
		routes[i] = Route{
			Info: ToolInfo{
				Name:        n,
				Description: "tool " + n,
				InputSchema: map[string]any{"type": "object", "properties": map[string]any{}, "required": []string{}},
			},
			Binding: &invoke.Binding{Name: n},
		}
	}
	table, err := NewRoutingTable(routes)
	require.NoError(t, err)
	return table
}

func newTestDispatcher(t *testing.T, inv Invoker, names ...string) *Dispatcher {
	t.Helper()
	return NewDispatcher(DispatcherConfig{TenantID: 7, Invoker: inv, Table: testTable(t, names...)})
}

func handle(t *testing.T, d *Dispatcher, body string) *JSONRPCResponse {
	t.Helper()
	resp := d.Handle(context.Background(), []byte(body))
	require.NotNil(t, resp)
	assert.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

// roundTrip re-decodes a response the way a client would see it.
func roundTrip(t *testing.T, resp *JSONRPCResponse) map[string]any {
	t.Helper()
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHandle_EnvelopeErrors(t *testing.T) {
	d := newTestDispatcher(t, &fakeInvoker{})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"empty body", "   ", JSONRPCInvalidRequest},
		{"invalid json", `{"jsonrpc":`, JSONRPCParseError},
		{"array body", `[1,2]`, JSONRPCInvalidRequest},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, JSONRPCInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, JSONRPCInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, JSONRPCMethodNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := handle(t, d, tt.body)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Nil(t, resp.Result)
			assert.NotEmpty(t, resp.ID, "id is always present in the envelope")
		})
	}
}

func TestHandle_ErrorEchoesID(t *testing.T) {
	d := newTestDispatcher(t, &fakeInvoker{})
	resp := handle(t, d, `{"jsonrpc":"2.0","id":"abc","method":"nope"}`)
	assert.JSONEq(t, `"abc"`, string(resp.ID))
}

func TestHandle_Notification(t *testing.T) {
	d := newTestDispatcher(t, &fakeInvoker{})
	assert.Nil(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	assert.Nil(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":null,"method":"tools/list"}`)))
}

func TestHandle_Initialize(t *testing.T) {
	d := newTestDispatcher(t, &fakeInvoker{})

	out := roundTrip(t, handle(t, d, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2099-01-01"}}`))
	result := out["result"].(map[string]any)
	assert.Equal(t, DefaultProtocolVersion, result["protocolVersion"])
	assert.Equal(t, "relay-server-7", result["serverInfo"].(map[string]any)["name"])
	assert.Equal(t, "Relay MCP server 7", result["instructions"])
	tools := result["capabilities"].(map[string]any)["tools"].(map[string]any)
	assert.Equal(t, false, tools["listChanged"])

	out = roundTrip(t, handle(t, d, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`))
	assert.Equal(t, "2025-03-26", out["result"].(map[string]any)["protocolVersion"])
}

func TestHandle_Ping(t *testing.T) {
	d := newTestDispatcher(t, &fakeInvoker{})
	out := roundTrip(t, handle(t, d, `{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	assert.Equal(t, map[string]any{}, out["result"])
}

func TestHandle_ToolsListOrder(t *testing.T) {
	d := newTestDispatcher(t, &fakeInvoker{}, "zeta", "alpha", "mid")
	resp := handle(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	result := resp.Result.(ListToolsResult)
	require.Len(t, result.Tools, 3)
	assert.Equal(t, "zeta", result.Tools[0].Name)
	assert.Equal(t, "alpha", result.Tools[1].Name)
	assert.Equal(t, "mid", result.Tools[2].Name)
}

func TestHandle_ToolsCall(t *testing.T) {
	inv := &fakeInvoker{}
	d := newTestDispatcher(t, inv, "weather")

	resp := handle(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"weather","arguments":{"city":"oslo"}}}`)
	require.Nil(t, resp.Error)
	result := resp.Result.(CallToolResult)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Equal(t, "called weather", result.Content[0].Text)
	assert.Equal(t, "oslo", inv.args["city"])
}

func TestHandle_ToolsCallMissingArgumentsIsEmptyObject(t *testing.T) {
	inv := &fakeInvoker{}
	d := newTestDispatcher(t, inv, "weather")

	resp := handle(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"weather"}}`)
	require.Nil(t, resp.Error)
	assert.NotNil(t, inv.args)
	assert.Empty(t, inv.args)
}

func TestHandle_ToolsCallErrors(t *testing.T) {
	t.Run("unknown tool", func(t *testing.T) {
		inv := &fakeInvoker{}
		d := newTestDispatcher(t, inv, "weather")
		resp := handle(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"missing"}}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)
		assert.Equal(t, `tool "missing" not found`, resp.Error.Message)
		assert.Empty(t, inv.calls, "invoker must not run for unknown tools")
	})

	t.Run("arguments not an object", func(t *testing.T) {
		d := newTestDispatcher(t, &fakeInvoker{}, "weather")
		resp := handle(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"weather","arguments":[1]}}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)
	})

	t.Run("invalid params", func(t *testing.T) {
		inv := &fakeInvoker{err: fmt.Errorf("resolving: %w", invoke.ErrInvalidParams)}
		d := newTestDispatcher(t, inv, "weather")
		resp := handle(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"weather"}}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)
	})

	t.Run("internal failure", func(t *testing.T) {
		inv := &fakeInvoker{err: errors.New("database is locked")}
		d := newTestDispatcher(t, inv, "weather")
		resp := handle(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"weather"}}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInternalError, resp.Error.Code)
		assert.NotContains(t, resp.Error.Message, "database")
	})

	t.Run("downstream error is a result", func(t *testing.T) {
		inv := &fakeInvoker{res: &invoke.Result{Text: "HTTP 500 - boom", IsError: true}}
		d := newTestDispatcher(t, inv, "weather")
		resp := handle(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"weather"}}`)
		require.Nil(t, resp.Error)
		result := resp.Result.(CallToolResult)
		assert.True(t, result.IsError)
		assert.Equal(t, "HTTP 500 - boom", result.Content[0].Text)
	})
}

func TestSwap_ChangesToolsAtomically(t *testing.T) {
	d := newTestDispatcher(t, &fakeInvoker{}, "old")
	before := d.Table()

	d.Swap(testTable(t, "new1", "new2"))

	assert.Len(t, d.Tools(), 2)
	assert.Equal(t, 1, before.Len(), "snapshots taken before a swap are unchanged")

	resp := handle(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"old"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)

	d.Swap(nil)
	assert.Empty(t, d.Tools())
}

func TestSwap_ConcurrentWithCalls(t *testing.T) {
	d := newTestDispatcher(t, &fakeInvoker{}, "a")
	tables := make([]*RoutingTable, 20)
	for i := range tables {
		tables[i] = testTable(t, fmt.Sprintf("tool_%d", i))
	}

	var wg sync.WaitGroup
	for i := range tables {
		wg.Add(2)
		go func() {
			defer wg.Done()
			resp := d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
			if resp == nil || resp.Error != nil {
				t.Errorf("tools/list failed during swap")
			}
		}()
		go func() {
			defer wg.Done()
			d.Swap(tables[i])
		}()
	}
	wg.Wait()
}

func TestNewRoutingTable_RejectsDuplicates(t *testing.T) {
	_, err := NewRoutingTable([]Route{
		{Info: ToolInfo{Name: "dup"}},
		{Info: ToolInfo{Name: "dup"}},
	})
	assert.Error(t, err)
}
