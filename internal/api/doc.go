// Package api hosts the optional operator HTTP listener that runs alongside a
// long crawl. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs and /v1/runs/{run_id} for live run progress fed by the
//     progress hub's status sink.
package api
