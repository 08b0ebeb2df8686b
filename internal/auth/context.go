// ABOUTME: Request-scoped identity for authenticated protocol callers and admin principals
// ABOUTME: Provides WithIdentity/IdentityFrom and WithPrincipal/PrincipalFrom for handlers downstream

package auth

import (
	"context"
	"slices"
	"time"
)

// Identity is the bearer of a validated OAuth access token.
type Identity struct {
	UserID    int64
	ClientID  string
	Scope     string
	ExpiresAt time.Time
}

// Principal is the subject of an admin API token.
type Principal struct {
	Subject string
	Roles   []string
}

// IsAdmin returns true if the principal has admin or owner role.
func (p *Principal) IsAdmin() bool {
	return slices.Contains(p.Roles, "admin") || slices.Contains(p.Roles, "owner")
}

type identityKey struct{}

type principalKey struct{}

type tenantKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the Identity in ctx, or nil for anonymous requests to public tenants.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// WithPrincipal returns a new context with the admin Principal attached.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom retrieves the Principal from the context, returning nil if not present.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// WithTenant records the tenant UUID a request was resolved to.
func WithTenant(ctx context.Context, uuid string) context.Context {
	return context.WithValue(ctx, tenantKey{}, uuid)
}

// TenantFrom returns the tenant UUID resolved by the middleware.
func TenantFrom(ctx context.Context) string {
	uuid, _ := ctx.Value(tenantKey{}).(string)
	return uuid
}
