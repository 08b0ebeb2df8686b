// ABOUTME: Tests for the SQLite store covering catalog, globals and schema setup
// ABOUTME: Uses temporary database files so each test starts from an empty schema

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func seedTenant(t *testing.T, s *SQLiteStore, uuid string, level AccessLevel) *Tenant {
	t.Helper()
	tenant := &Tenant{UUID: uuid, OwnerID: 7, Name: "tenant " + uuid[:4], AccessLevel: level}
	require.NoError(t, s.CreateTenant(context.Background(), tenant))
	return tenant
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer second.Close()

	assert.NoError(t, second.Ping(context.Background()))
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	tenant := &Tenant{UUID: "0123456789abcdef0123456789abcdef", Name: "mem"}
	require.NoError(t, store.CreateTenant(ctx, tenant))

	got, err := store.GetTenantByUUID(ctx, tenant.UUID)
	require.NoError(t, err)
	assert.Equal(t, "mem", got.Name)
}

func TestTenant_CreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tenant := seedTenant(t, store, "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", AccessPrivate)
	assert.NotZero(t, tenant.ID)

	byID, err := store.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.UUID, byID.UUID)
	assert.Equal(t, AccessPrivate, byID.AccessLevel)
	assert.Equal(t, int64(7), byID.OwnerID)
	assert.False(t, byID.CreatedAt.IsZero())

	byUUID, err := store.GetTenantByUUID(ctx, tenant.UUID)
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, byUUID.ID)
}

func TestTenant_NotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.GetTenant(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetTenantByUUID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTenant_DuplicateUUID(t *testing.T) {
	store := setupTestStore(t)
	uuid := "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	seedTenant(t, store, uuid, AccessPublic)

	err := store.CreateTenant(context.Background(), &Tenant{UUID: uuid, Name: "dup"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestTenant_EmptyAccessDefaultsToPublic(t *testing.T) {
	store := setupTestStore(t)
	tenant := seedTenant(t, store, "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", "")

	got, err := store.GetTenant(context.Background(), tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, AccessLevel(""), got.AccessLevel)
	assert.Equal(t, AccessPublic, got.EffectiveAccess())
}

func TestTenant_SetAccess(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, store, "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", AccessPublic)

	require.NoError(t, store.SetTenantAccess(ctx, tenant.ID, AccessOrganization))
	got, err := store.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, AccessOrganization, got.AccessLevel)

	assert.Error(t, store.SetTenantAccess(ctx, tenant.ID, "secret-club"))
	assert.ErrorIs(t, store.SetTenantAccess(ctx, 999, AccessPrivate), ErrNotFound)
}

func TestListTenants(t *testing.T) {
	store := setupTestStore(t)
	seedTenant(t, store, "11111111-bbbb-cccc-dddd-eeeeeeeeeeee", AccessPublic)
	seedTenant(t, store, "22222222-bbbb-cccc-dddd-eeeeeeeeeeee", AccessPrivate)

	tenants, err := store.ListTenants(context.Background())
	require.NoError(t, err)
	require.Len(t, tenants, 2)
	assert.Equal(t, "11111111-bbbb-cccc-dddd-eeeeeeeeeeee", tenants[0].UUID)
}

func TestTool_CreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tool := &Tool{
		Name:    "weather",
		Method:  "GET",
		URL:     "https://api.example.com/weather?city={{city}}",
		Headers: `{"X-Key":"{{api_key}}"}`,
	}
	require.NoError(t, store.CreateTool(ctx, tool))
	assert.Equal(t, 30000, tool.TimeoutMS, "timeout defaults to 30s")

	got, err := store.GetTool(ctx, tool.ID)
	require.NoError(t, err)
	assert.Equal(t, tool.URL, got.URL)
	assert.Equal(t, tool.Headers, got.Headers)
	assert.Empty(t, got.Body)

	_, err = store.GetTool(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestToolInstance_UniqueNamePerTenant(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	a := seedTenant(t, store, "11111111-bbbb-cccc-dddd-eeeeeeeeeeee", AccessPublic)
	b := seedTenant(t, store, "22222222-bbbb-cccc-dddd-eeeeeeeeeeee", AccessPublic)

	tool := &Tool{Name: "t", Method: "GET", URL: "https://example.com"}
	require.NoError(t, store.CreateTool(ctx, tool))

	require.NoError(t, store.CreateToolInstance(ctx, &ToolInstance{TenantID: a.ID, ToolID: tool.ID, Name: "lookup"}))
	err := store.CreateToolInstance(ctx, &ToolInstance{TenantID: a.ID, ToolID: tool.ID, Name: "lookup"})
	assert.ErrorIs(t, err, ErrDuplicate)

	// Same name on a different tenant is fine
	require.NoError(t, store.CreateToolInstance(ctx, &ToolInstance{TenantID: b.ID, ToolID: tool.ID, Name: "lookup"}))

	list, err := store.ListToolInstances(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestInstanceParams_UpsertAndCascade(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, store, "11111111-bbbb-cccc-dddd-eeeeeeeeeeee", AccessPublic)

	tool := &Tool{Name: "t", Method: "GET", URL: "https://example.com/{{city}}"}
	require.NoError(t, store.CreateTool(ctx, tool))
	inst := &ToolInstance{TenantID: tenant.ID, ToolID: tool.ID, Name: "lookup"}
	require.NoError(t, store.CreateToolInstance(ctx, inst))

	fixed := "paris"
	require.NoError(t, store.SetInstanceParam(ctx, &ParamConfig{InstanceID: inst.ID, Name: "city", Source: ParamSourceInstance, Value: &fixed}))
	require.NoError(t, store.SetInstanceParam(ctx, &ParamConfig{InstanceID: inst.ID, Name: "units", Source: ParamSourceExposed}))

	// Upsert switches the source
	require.NoError(t, store.SetInstanceParam(ctx, &ParamConfig{InstanceID: inst.ID, Name: "city", Source: ParamSourceExposed}))

	params, err := store.ListInstanceParams(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, params, 2)
	assert.Equal(t, "city", params[0].Name)
	assert.Equal(t, ParamSourceExposed, params[0].Source)
	assert.Nil(t, params[0].Value)

	assert.Error(t, store.SetInstanceParam(ctx, &ParamConfig{InstanceID: inst.ID, Name: "x", Source: "elsewhere"}))

	require.NoError(t, store.DeleteToolInstance(ctx, inst.ID))
	params, err = store.ListInstanceParams(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, params)

	assert.ErrorIs(t, store.DeleteToolInstance(ctx, inst.ID), ErrNotFound)
}

func TestServerGlobals(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, store, "11111111-bbbb-cccc-dddd-eeeeeeeeeeee", AccessPublic)

	require.NoError(t, store.SetServerGlobal(ctx, &ServerGlobal{TenantID: tenant.ID, Key: "region", Value: "eu"}))
	require.NoError(t, store.SetServerGlobal(ctx, &ServerGlobal{TenantID: tenant.ID, Key: "api_key", Value: "c2VjcmV0", IsSecret: true}))
	require.NoError(t, store.SetServerGlobal(ctx, &ServerGlobal{TenantID: tenant.ID, Key: "region", Value: "us"}))

	globals, err := store.ListServerGlobals(ctx, tenant.ID)
	require.NoError(t, err)
	require.Len(t, globals, 2)

	assert.Equal(t, "api_key", globals[0].Key)
	assert.True(t, globals[0].IsSecret)
	assert.Equal(t, "region", globals[1].Key)
	assert.Equal(t, "us", globals[1].Value)

	require.NoError(t, store.DeleteServerGlobal(ctx, tenant.ID, "region"))
	err = store.DeleteServerGlobal(ctx, tenant.ID, "region")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}
