// Package api hosts the ops HTTP server that runs alongside a crawl. Notable
// routes:
//   - GET /healthz and /readyz for probes; readyz pings the repository.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/comics and /v1/comics/{slug}/releases for inspecting what the
//     catalogue tracks and what has been stored.
package api
