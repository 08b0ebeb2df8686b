// Package mcp implements the Model Context Protocol surface of one tenant.
//
// # Overview
//
// Every tenant is served by an Instance. An Instance owns a Dispatcher, which
// answers JSON-RPC 2.0 requests against an immutable RoutingTable, and a
// Hub of push-stream sessions. Rebuilding a tenant's tools never replaces the
// Instance: the registry builds a fresh RoutingTable and swaps it in.
//
// # Methods
//
//   - initialize - protocol handshake and server info
//   - tools/list - the tools in the current routing table
//   - tools/call - invoke one tool by name
//   - ping       - liveness check
//
// Requests without an id are notifications and get no response.
//
// # Transports
//
// Two transports share the same Dispatcher:
//
//   - request/response: POST /s/{uuid} with a JSON-RPC body, answered inline
//   - push stream: GET /s/{uuid}/sse opens an event stream whose first event
//     names the message endpoint; POST /s/{uuid}/sse/message?sessionId=<id>
//     submits a request whose response is pushed to the stream
//
// The subdomain form (<uuid>.<tenant domain>) serves the same handlers at /,
// /message and GET /.
//
// # Errors
//
// Transport-level failures never leak as HTTP errors once a tenant is found:
// they become JSON-RPC error envelopes. Tool failures reported by the
// downstream API are successful calls whose result has isError set.
package mcp
