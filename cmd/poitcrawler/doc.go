// Package main hosts the POIT scraping service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes the streaming and blocking search endpoints, stored-announcement
//     reads and the operator surface (status, proxy reset, health, metrics). Search progress is streamed as
//     server-sent events so callers can follow CAPTCHA solving, submission and enrichment as they happen.
//   - Crawler: internal/crawler.Crawler runs one search end to end: open the registry in headless Chrome,
//     resolve the entry-check CAPTCHA via 2captcha, submit the query through the Angular form, collect the
//     result rows, enrich them with announcement detail text, and persist to Postgres.
//   - Blocking heuristic & proxies: internal/proxy.Pool tracks 429s, CAPTCHA streaks and session blocks and
//     switches traffic to a rotating proxy pool when the registry starts pushing back. Operators can reset
//     it through the API at any time.
//   - Enrichment: internal/enrich runs a bounded worker pool over the result rows, fetching each
//     announcement's detail text via the browser's network capture or a direct Colly transport, with
//     retries, spacing and rate-limit-aware backoff.
//   - Configuration & plumbing: Viper populates config from env/files with the POIT prefix; zap provides
//     structured logging; Prometheus metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - Shutdown is coordinated via context cancellation from SIGINT/SIGTERM; in-flight searches are bounded
//     by the per-request timeout.
//   - Run locally: go run ./cmd/poitcrawler -config config.yaml (or rely solely on POIT_* env overrides).
//   - The Postgres store and the 2captcha solver are optional: without a DSN the service runs without
//     persistence, without an API key blocked sessions fail instead of being solved.
package main
