// ABOUTME: End-to-end tests for the gateway HTTP surface over httptest
// ABOUTME: Covers path and subdomain transports, the access tiers, the push stream, health, metrics and the admin API

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/oauth"
	"github.com/2389/relay-gateway/internal/secrets"
	"github.com/2389/relay-gateway/internal/store"
)

const (
	publicUUID  = "11111111-2222-4333-8444-555555555555"
	privateUUID = "99999999-8888-4777-8666-555555555555"
	adminSecret = "admin-secret-admin-secret-admin-secret"
)

type gatewayFixture struct {
	gw         *Gateway
	srv        *httptest.Server
	downstream *httptest.Server
	ctx        context.Context
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	key, err := secrets.GenerateKey()
	require.NoError(t, err)

	yaml := `
server:
  base_url: "https://relay.example.com"
  tenant_domain: "mcp.example.com"
  shutdown_timeout: "2s"
database:
  path: "` + filepath.Join(t.TempDir(), "relay.db") + `"
secrets:
  master_key: "` + key + `"
oauth:
  session_secret: "session-secret-session-secret-session"
admin:
  jwt_secret: "` + adminSecret + `"
metrics:
  enabled: true
`
	cfg, err := config.Parse([]byte(yaml), false)
	require.NoError(t, err)
	return cfg
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	ctx := context.Background()

	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"item":"`+strings.TrimPrefix(r.URL.Path, "/items/")+`"}`)
	}))
	t.Cleanup(downstream.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(ctx, testConfig(t), logger)
	require.NoError(t, err)

	f := &gatewayFixture{gw: gw, downstream: downstream, ctx: ctx}
	f.seedTenant(t, publicUUID, store.AccessPublic)
	f.seedTenant(t, privateUUID, store.AccessPrivate)
	require.NoError(t, gw.Registry().LoadAll(ctx))

	f.srv = httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		f.srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Shutdown(shutdownCtx)
	})
	return f
}

// seedTenant creates a tenant owned by user 7 with one get_item tool.
func (f *gatewayFixture) seedTenant(t *testing.T, uuid string, level store.AccessLevel) *store.Tenant {
	t.Helper()
	s := f.gw.store

	tenant := &store.Tenant{UUID: uuid, OwnerID: 7, Name: "tenant " + uuid[:4], AccessLevel: level}
	require.NoError(t, s.CreateTenant(f.ctx, tenant))

	tool := &store.Tool{Name: "get item", Description: "Fetch an item", Method: "GET", URL: f.downstream.URL + "/items/{{integer:id}}"}
	require.NoError(t, s.CreateTool(f.ctx, tool))

	inst := &store.ToolInstance{TenantID: tenant.ID, ToolID: tool.ID, Name: "get_item"}
	require.NoError(t, s.CreateToolInstance(f.ctx, inst))
	require.NoError(t, s.SetInstanceParam(f.ctx, &store.ParamConfig{InstanceID: inst.ID, Name: "id", Source: store.ParamSourceExposed}))
	return tenant
}

func (f *gatewayFixture) do(t *testing.T, method, path, host, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if host != "" {
		req.Host = host
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

const callGetItem = `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_item","arguments":{"id":42}}}`

func toolText(t *testing.T, rpc map[string]any) string {
	t.Helper()
	result, ok := rpc["result"].(map[string]any)
	require.True(t, ok, "expected result, got %v", rpc)
	content := result["content"].([]any)
	require.Len(t, content, 1)
	return content[0].(map[string]any)["text"].(string)
}

func TestHealth(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.do(t, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["tenants"])
}

func TestPathTransport_PublicTenant(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.do(t, http.MethodPost, "/s/"+publicUUID, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	tools := decodeBody(t, resp)["result"].(map[string]any)["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "get_item", tools[0].(map[string]any)["name"])

	resp = f.do(t, http.MethodPost, "/s/"+publicUUID, "", callGetItem, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"item":"42"}`, toolText(t, decodeBody(t, resp)))

	rows, err := f.gw.store.ListExecutions(f.ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.ExecutionSuccess, rows[0].Status)
	assert.Equal(t, "http", rows[0].Transport)
}

func TestPathTransport_NotificationIsAccepted(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.do(t, http.MethodPost, "/s/"+publicUUID, "", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestPathTransport_UnknownTenant(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.do(t, http.MethodPost, "/s/00000000-0000-4000-8000-000000000000", "", callGetItem, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "server_not_found", decodeBody(t, resp)["error"])
}

func TestPathTransport_Preflight(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.do(t, http.MethodOptions, "/s/"+privateUUID+"/sse", "", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "3600", resp.Header.Get("Access-Control-Max-Age"))
}

func TestPathTransport_PrivateTenantChallenge(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.do(t, http.MethodPost, "/s/"+privateUUID, "", callGetItem, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	challenge := resp.Header.Get("WWW-Authenticate")
	assert.Contains(t, challenge, `error="missing_token"`)
	assert.Contains(t, challenge, `resource="https://relay.example.com/s/`+privateUUID+`"`)
	assert.Contains(t, challenge, `resource_metadata="https://relay.example.com/.well-known/oauth-protected-resource/s/`+privateUUID+`"`)
}

func TestPathTransport_PrivateTenantWithToken(t *testing.T) {
	f := newGatewayFixture(t)

	owner, _, err := f.gw.oauth.CreateAccessToken(f.ctx, "mcp_test", 7, "mcp:read")
	require.NoError(t, err)
	stranger, _, err := f.gw.oauth.CreateAccessToken(f.ctx, "mcp_test", 8, "mcp:read")
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/s/"+privateUUID, "", callGetItem, http.Header{"Authorization": {"Bearer " + owner}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"item":"42"}`, toolText(t, decodeBody(t, resp)))

	resp = f.do(t, http.MethodPost, "/s/"+privateUUID, "", callGetItem, http.Header{"Authorization": {"Bearer " + stranger}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("WWW-Authenticate"))

	resp = f.do(t, http.MethodPost, "/s/"+privateUUID, "", callGetItem, http.Header{"Authorization": {"Bearer mcp_token_bogus"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `error="invalid_token"`)
}

func TestSubdomainTransport(t *testing.T) {
	f := newGatewayFixture(t)

	t.Run("host", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/", publicUUID+".mcp.example.com", callGetItem, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, `{"item":"42"}`, toolText(t, decodeBody(t, resp)))
	})

	t.Run("header", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/", "", callGetItem, http.Header{oauth.ServerUUIDHeader: {publicUUID}})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("private challenge points at subdomain metadata", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/", privateUUID+".mcp.example.com", callGetItem, nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"),
			`resource_metadata="https://`+privateUUID+`.mcp.example.com/.well-known/oauth-protected-resource"`)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/", "00000000-0000-4000-8000-000000000000.mcp.example.com", callGetItem, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("oauth routes stay open on tenant hosts", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/.well-known/oauth-protected-resource", privateUUID+".mcp.example.com", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("main domain root is not a tenant", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/", "mcp.example.com", callGetItem, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestPushStream(t *testing.T) {
	f := newGatewayFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/s/"+publicUUID+"/sse", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = stream.Body.Close() }()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	reader := bufio.NewReader(stream.Body)
	event, data := readEvent(t, reader)
	require.Equal(t, "endpoint", event)
	require.True(t, strings.HasPrefix(data, "/s/"+publicUUID+"/sse/message?sessionId="), data)

	resp := f.do(t, http.MethodPost, data, "", callGetItem, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	event, data = readEvent(t, reader)
	require.Equal(t, "message", event)
	var rpc map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &rpc))
	assert.Equal(t, `{"item":"42"}`, toolText(t, rpc))

	resp = f.do(t, http.MethodPost, "/s/"+publicUUID+"/sse/message?sessionId=nope", "", callGetItem, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// readEvent reads one server-sent event, skipping keep-alive comments.
func readEvent(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && event != "":
			return event, data
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.do(t, http.MethodGet, "/metrics", "", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "relay_registry_tenants 2")
}

func adminToken(t *testing.T, roles ...string) http.Header {
	t.Helper()
	token, err := auth.NewJWTVerifier([]byte(adminSecret)).Generate("ops", roles, time.Hour)
	require.NoError(t, err)
	return http.Header{"Authorization": {"Bearer " + token}}
}

func TestAdminAPI_Auth(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.do(t, http.MethodGet, "/admin/tenants", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/admin/tenants", "", "", adminToken(t, "member"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/admin/tenants", "", "", adminToken(t, "admin"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var live LiveTenantsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&live))
	require.Len(t, live.Tenants, 2)
	assert.Equal(t, publicUUID, live.Tenants[0].UUID)
	assert.Equal(t, 1, live.Tenants[0].Tools)
}

func TestAdminAPI_Lifecycle(t *testing.T) {
	f := newGatewayFixture(t)
	admin := adminToken(t, "admin")
	const lateUUID = "cccccccc-dddd-4eee-8fff-000000000000"

	// Written after startup: reload registers it.
	f.seedTenant(t, lateUUID, store.AccessPublic)
	resp := f.do(t, http.MethodPost, "/admin/tenants/"+lateUUID+"/reload", "", "", admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status TenantActionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "live", status.Status)
	assert.Equal(t, 1, status.Tools)

	resp = f.do(t, http.MethodPost, "/s/"+lateUUID, "", callGetItem, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/admin/tenants/"+lateUUID+"/register", "", "", admin)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/admin/tenants/"+lateUUID, "", "", admin)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The row still exists but the instance is gone.
	resp = f.do(t, http.MethodPost, "/s/"+lateUUID, "", callGetItem, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/admin/tenants/"+lateUUID, "", "", admin)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/admin/tenants/"+lateUUID+"/register", "", "", admin)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/admin/tenants/00000000-0000-4000-8000-000000000000/register", "", "", admin)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCleanupOnce(t *testing.T) {
	f := newGatewayFixture(t)
	// Nothing expired yet; the pass must not fail.
	f.gw.cleanupOnce(f.ctx)
}
