// Package metrics exposes gateway engine instrumentation to Prometheus.
//
// Collectors live on a Metrics value with its own registry, so several
// gateways (or tests) in one process never share counters. Every recording
// method is safe on a nil *Metrics, which is how metrics are disabled.
package metrics
