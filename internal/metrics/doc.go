// Package metrics holds the gateway's Prometheus collectors.
//
// Collectors live on a private registry rather than the global default so
// tests can create as many Metrics as they like. Handler exposes the registry
// for scraping. A nil *Metrics is valid and records nothing.
package metrics
