// Package api hosts the optional status server. Routes:
//   - GET /healthz for liveness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/latest for the summary of the last finished company run.
//   - GET /v1/runs for recent runs when the Postgres run sink is configured.
package api
