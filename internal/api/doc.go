// Package api hosts the operator status server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /stats for progress aggregates by status, fetch method and host.
//   - GET /urls/{fingerprint} for a single progress row.
package api
