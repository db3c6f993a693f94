// Package api hosts the ops HTTP server. Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/backlog/review, /v1/backlog/conflicts and /v1/backlog/rejections
//     for the human review queues.
//   - GET /v1/agent-runs/{id} for agent invocation audit records.
package api
