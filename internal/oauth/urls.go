// ABOUTME: Public URL construction for the issuer, protected resources and tenant subdomains
// ABOUTME: Also extracts a tenant UUID from the X-Server-UUID header or a tenant subdomain host

package oauth

import (
	"net"
	"net/http"
	"strings"
)

// ServerUUIDHeader lets a fronting proxy name the tenant explicitly.
const ServerUUIDHeader = "X-Server-UUID"

const minUUIDLen = 32

// Endpoints knows the gateway's public addresses.
type Endpoints struct {
	// BaseURL is the configured public origin. When empty the request host is used.
	BaseURL string
	// TenantDomain is the parent domain of tenant subdomains, e.g. "mcp.example.com".
	TenantDomain string
}

// Base returns the canonical base URL without a trailing slash. Plain http is
// upgraded to https unless the host is local.
func (e Endpoints) Base(r *http.Request) string {
	base := strings.TrimRight(e.BaseURL, "/")
	if base == "" && r != nil {
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return upgradeScheme(base)
}

func upgradeScheme(base string) string {
	rest, ok := strings.CutPrefix(base, "http://")
	if !ok {
		return base
	}
	host := rest
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if isLocalHost(stripPort(host)) {
		return base
	}
	return "https://" + rest
}

// SubdomainBase is the origin of a tenant's dedicated subdomain.
func (e Endpoints) SubdomainBase(uuid string) string {
	return "https://" + uuid + "." + e.TenantDomain
}

// HTTPResource is the request/response endpoint of a tenant.
func (e Endpoints) HTTPResource(r *http.Request, uuid string) string {
	return e.Base(r) + "/s/" + uuid
}

// SSEResource is the push-stream endpoint of a tenant.
func (e Endpoints) SSEResource(r *http.Request, uuid string) string {
	return e.Base(r) + "/s/" + uuid + "/sse"
}

// PathResourceMetadata is the protected-resource metadata URL for path-addressed tenants.
func (e Endpoints) PathResourceMetadata(r *http.Request, uuid string) string {
	return e.Base(r) + "/.well-known/oauth-protected-resource/s/" + uuid
}

// SubdomainResource is the root of a tenant subdomain.
func (e Endpoints) SubdomainResource(uuid string) string {
	return e.SubdomainBase(uuid) + "/"
}

// SubdomainResourceMetadata is the protected-resource metadata URL on a tenant subdomain.
func (e Endpoints) SubdomainResourceMetadata(uuid string) string {
	return e.SubdomainBase(uuid) + "/.well-known/oauth-protected-resource"
}

// TenantFromRequest returns the tenant UUID named by the X-Server-UUID header
// or by a tenant subdomain host. Path addressing is handled by the router.
func (e Endpoints) TenantFromRequest(r *http.Request) (string, bool) {
	if v := strings.TrimSpace(r.Header.Get(ServerUUIDHeader)); len(v) >= minUUIDLen {
		return v, true
	}
	return e.TenantFromHost(r.Host)
}

// TenantFromHost parses "<uuid>.<tenant_domain>". The label must have no dots
// and be at least 32 characters.
func (e Endpoints) TenantFromHost(host string) (string, bool) {
	if e.TenantDomain == "" {
		return "", false
	}
	host = strings.ToLower(stripPort(host))
	label, ok := strings.CutSuffix(host, "."+strings.ToLower(e.TenantDomain))
	if !ok || strings.Contains(label, ".") || len(label) < minUUIDLen {
		return "", false
	}
	return label, true
}

// IsMainDomain reports whether host addresses the gateway itself rather than a tenant.
func (e Endpoints) IsMainDomain(host string) bool {
	host = strings.ToLower(stripPort(host))
	domain := strings.ToLower(e.TenantDomain)
	return host == domain || host == "www."+domain || isLocalHost(host)
}

func isLocalHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1"
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
