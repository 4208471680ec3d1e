// Package cmd defines the article-enhancer CLI.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, enhancement and queue endpoints over chi.
//   - Queue & workers: jobs flow through the memory or Redis queue and are fanned out to a fixed worker pool
//     sized by queue.concurrency. Failed attempts are retried with exponential backoff until queue.attempts.
//   - Pipeline: each job claims its article, searches for competitors, fetches and extracts them (promoting
//     JS shells to headless Chrome when enabled), and asks the configured LLM for a rewrite.
//   - Persistence: articles live in memory or Postgres; fetched competitor pages can be archived to local disk,
//     GCS or S3; lifecycle events go to the log, memory or Pub/Sub.
//
// Quick checklist:
//   - Configure env vars: ENHANCER_SEARCH_API_KEY, ENHANCER_LLM_API_KEY, ENHANCER_DATABASE_DRIVER and
//     ENHANCER_DATABASE_DSN, ENHANCER_QUEUE_DRIVER and ENHANCER_REDIS_ADDR.
//   - Run locally: go run . serve --config config.yaml
//   - Seed sample data: go run . seed --enqueue
package cmd
