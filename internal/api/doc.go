// Package api hosts the HTTP front end for crawl requests. Notable routes:
//   - POST /v1/crawl accepts {"url": "..."} and replies {"message", "error"}.
//     Only https URLs are accepted. Root admission (before-hooks and the
//     domain guard) happens before the reply; the crawl itself runs in the
//     background.
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
