// Package metrics exposes Prometheus instrumentation for filesystem
// operations and cache behavior: operation counters, latency and size
// histograms, and cache hit/miss counters, served from a dedicated
// registry over an optional HTTP endpoint.
package metrics
