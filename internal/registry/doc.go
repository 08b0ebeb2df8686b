// Package registry keeps one live mcp.Instance per tenant.
//
// The Registry maps tenant UUIDs to instances under a read-write lock. Reads
// (request routing) take the read lock only long enough to copy a pointer.
// Everything slow, such as catalog queries and schema generation, happens in
// the Builder before any write lock is taken.
//
// Reload never replaces an Instance. It builds a new routing table and swaps
// it into the existing dispatcher, so open streams and in-flight calls are
// unaffected. If a build fails, the previous table stays live.
package registry
