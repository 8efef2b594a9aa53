// Package api hosts the status server that runs next to a crawl when
// metrics.addr is set. Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /status for the dispatcher counters of the current run.
package api
