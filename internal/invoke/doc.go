// Package invoke runs one tool call for a tool instance.
//
// A Binding is the immutable, per-instance data captured when a routing table
// is built. Executor.Invoke interprets a Binding: it resolves parameters,
// performs the HTTP request, maps the outcome to a Result and records the
// attempt to the audit sink.
//
// Downstream failures (non-2xx responses, timeouts, connection errors) are
// data, not faults: they come back as a Result with IsError set. Only
// problems with the caller's arguments or the tool template itself return an
// error, and those wrap ErrInvalidParams.
package invoke
