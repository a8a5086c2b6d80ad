// Package api hosts the HTTP server, middleware, and REST handlers for
// operators. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/credentials for pool administration and capacity stats.
//   - /v1/accounts for provisioning, plus per-account job start, cancel,
//     active-job and history routes.
//   - GET /v1/jobs/{job_id} for a single job's state.
//   - POST /v1/deliveries/drain to retry pending artifact deliveries.
package api
