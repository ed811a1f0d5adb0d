// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/alerts, POST /v1/alerts/{id}/acknowledge and /resolve for alert triage.
//   - GET /v1/import-runs for ingestion run history.
package api
