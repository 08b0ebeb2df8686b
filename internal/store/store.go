// ABOUTME: Store interfaces and data types for relay-gateway persistence
// ABOUTME: Catalog rows are written by the CRUD collaborator and only read by the core

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint rejects an insert
var ErrDuplicate = errors.New("already exists")

// ErrAlreadyUsed is returned when a single-use record was consumed by an earlier call
var ErrAlreadyUsed = errors.New("already used")

// AccessLevel is the access tier of a tenant endpoint.
type AccessLevel string

const (
	AccessPublic       AccessLevel = "public"
	AccessOrganization AccessLevel = "organization"
	AccessPrivate      AccessLevel = "private"
)

// Valid reports whether the level is one of the known tiers.
func (a AccessLevel) Valid() bool {
	switch a {
	case AccessPublic, AccessOrganization, AccessPrivate:
		return true
	}
	return false
}

// Tenant is one customer's addressable MCP endpoint.
type Tenant struct {
	ID          int64
	UUID        string
	OwnerID     int64
	Name        string
	Description string
	AccessLevel AccessLevel // empty is treated as public
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EffectiveAccess returns the tenant's tier with the public default applied.
func (t *Tenant) EffectiveAccess() AccessLevel {
	if t.AccessLevel == "" {
		return AccessPublic
	}
	return t.AccessLevel
}

// Tool is a reusable HTTP request template.
type Tool struct {
	ID          int64
	Name        string
	Description string
	Method      string
	URL         string
	Headers     string // JSON object template
	Body        string // JSON template, empty for bodiless requests
	TimeoutMS   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ToolInstance binds a Tool to a Tenant under a unique name.
type ToolInstance struct {
	ID          int64
	TenantID    int64
	ToolID      int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ParamSource says where a parameter value comes from at call time.
type ParamSource string

const (
	ParamSourceInstance ParamSource = "instance" // fixed value on the instance, templated against globals
	ParamSourceServer   ParamSource = "server"   // tenant global with the same name
	ParamSourceExposed  ParamSource = "exposed"  // supplied by the calling agent
)

// ParamConfig configures one parameter of a ToolInstance.
type ParamConfig struct {
	InstanceID int64
	Name       string
	Source     ParamSource
	Value      *string // only meaningful for instance-sourced parameters
}

// ServerGlobal is a tenant-scoped named value. Secret values are stored encrypted.
type ServerGlobal struct {
	ID        int64
	TenantID  int64
	Key       string
	Value     string
	IsSecret  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CatalogStore is the read side of the catalog consumed by the registry and resolver.
type CatalogStore interface {
	GetTenant(ctx context.Context, id int64) (*Tenant, error)
	GetTenantByUUID(ctx context.Context, uuid string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]*Tenant, error)
	GetTool(ctx context.Context, id int64) (*Tool, error)
	ListToolInstances(ctx context.Context, tenantID int64) ([]*ToolInstance, error)
	ListInstanceParams(ctx context.Context, instanceID int64) ([]*ParamConfig, error)
	ListServerGlobals(ctx context.Context, tenantID int64) ([]*ServerGlobal, error)
}

// CatalogWriter is the write side used by the CRUD collaborator, the seed command and tests.
type CatalogWriter interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	SetTenantAccess(ctx context.Context, id int64, level AccessLevel) error
	CreateTool(ctx context.Context, t *Tool) error
	CreateToolInstance(ctx context.Context, inst *ToolInstance) error
	DeleteToolInstance(ctx context.Context, id int64) error
	SetInstanceParam(ctx context.Context, p *ParamConfig) error
	SetServerGlobal(ctx context.Context, g *ServerGlobal) error
	DeleteServerGlobal(ctx context.Context, tenantID int64, key string) error
}

// Store combines every persistence concern of the gateway.
type Store interface {
	CatalogStore
	CatalogWriter
	OAuthStore
	ExecutionStore
	Ping(ctx context.Context) error
	Close() error
}
