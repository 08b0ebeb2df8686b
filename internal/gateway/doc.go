// Package gateway orchestrates the relay-gateway server components.
//
// # Overview
//
// The gateway package owns and wires every long-lived component: the SQLite
// store, the master-key cipher, the audit sinks, the tool executor, the tenant
// registry, the OAuth authorization server and the HTTP listener.
//
// # HTTP Surface
//
// Path-addressed tenants:
//
//   - POST /s/{uuid} - JSON-RPC request/response
//   - GET /s/{uuid}/sse - push stream, first event announces the message endpoint
//   - POST /s/{uuid}/sse/message?sessionId= - request answered on the stream
//
// Subdomain-addressed tenants (<uuid>.<tenant_domain> or X-Server-UUID):
//
//   - POST / - JSON-RPC request/response
//   - GET / - push stream
//   - POST /message?sessionId= - request answered on the stream
//
// Gateway routes:
//
//   - /.oauth/* and /.well-known/* - OAuth authorization server and discovery
//   - GET /health - {status, tenants}
//   - GET /metrics - Prometheus collectors when metrics.enabled is set
//   - /admin/tenants/* - reload, register and drop tenants (admin JWT)
//
// # Hot Reload
//
// The CRUD collaborator changes catalog rows and then either calls
// POST /admin/tenants/{uuid}/reload or publishes the tenant UUID on the Redis
// channel named by reload.channel. Both paths call Registry.Sync.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	err = gw.Run(ctx) // loads tenants, serves until ctx is canceled
//
// Run shuts down gracefully: streams are closed, the HTTP server drains, and
// the audit sinks and store are closed.
package gateway
