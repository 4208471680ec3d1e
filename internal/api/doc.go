// Package api hosts the HTTP server, middleware, and REST handlers for the
// enhancement service. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/articles/{id}/enhance, /v1/enhance and /v1/enhance-all to queue work.
//   - GET /v1/articles/{id}/enhancement for per-article state.
//   - GET /v1/queue/stats, /v1/queue/failed and /v1/breakers for operators.
package api
