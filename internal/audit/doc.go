// Package audit records every tool call attempt to one or more execution sinks.
//
// The gateway writes to a Sink and never reads back. The default sink is the
// gateway's own SQLite execution_history table; PostgreSQL and AMQP sinks can
// be added through configuration and are fanned out with MultiSink.
//
// Callers treat sink failures as non-fatal. They are logged by the caller and
// never change the outcome of a tool call.
package audit
