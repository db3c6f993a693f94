// Package sinks holds the audit.Sink implementations: structured logs, Prometheus
// counters and durable storage.
package sinks
