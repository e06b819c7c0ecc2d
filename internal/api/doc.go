// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs/... for job creation, dispatch, processing and maintenance.
//   - POST /v1/sources/... for source registration, scheduling and bulk state changes.
//   - POST /v1/articles/processed for downstream consumers to acknowledge articles.
//   - GET /v1/stats for the combined job, queue and content health view.
package api
