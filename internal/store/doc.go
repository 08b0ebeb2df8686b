// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package exposes a few narrow interfaces:
//
//   - CatalogStore: read side of the catalog (tenants, tools, instances, params, globals)
//   - CatalogWriter: write side used by the CRUD collaborator, the seed command and tests
//   - OAuthStore: clients, authorization codes, access and refresh tokens
//   - ExecutionStore: append-only execution history
//
// SQLiteStore implements all of them in a single struct. Consumers depend on
// the narrowest interface they need.
//
// # Data Models
//
//   - Tenant: an addressable MCP endpoint with an access tier
//   - Tool: an HTTP request template with {{type:name}} placeholders
//   - ToolInstance: a tool bound to a tenant under a unique name
//   - ParamConfig: where one placeholder's value comes from
//   - ServerGlobal: a tenant-scoped value, possibly an encrypted secret
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Use NewSQLiteStore(":memory:") for tests that need no file on disk.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicate: a unique constraint rejected the insert
//   - ErrAlreadyUsed: a single-use code or refresh token was already consumed
//
// OAuth codes and refresh tokens are consumed with
// UPDATE ... WHERE used_at IS NULL so that two racing consumers cannot both
// succeed.
package store
