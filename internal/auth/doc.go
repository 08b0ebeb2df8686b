// Package auth guards tenant endpoints and the admin API.
//
// # Tenant Resolution
//
// A protocol request names its tenant in one of three ways:
//
//   - Path: /s/{uuid}/...
//   - Header: X-Server-UUID, set by a fronting proxy
//   - Subdomain: <uuid>.<tenant_domain>
//
// # Access Tiers
//
// Public tenants admit anyone. Organization tenants admit any holder of a
// valid OAuth access token. Private tenants additionally require the token's
// user to own the tenant. Credential failures answer 401 with a Bearer
// challenge whose resource_metadata points at the tenant's protected-resource
// document, so MCP clients can discover the authorization server.
//
// On success the Identity of the caller is attached to the request context:
//
//	id := auth.IdentityFrom(r.Context()) // nil on public tenants
//
// # Admin API
//
// Admin routes use HS256 JWTs signed with admin.jwt_secret. The token's
// "roles" claim must include "admin" or "owner".
package auth
