// Package main hosts the straincollector binary.
//
// Architecture overview:
//   - Catalog: `load` (or `collect --catalog`) reads CSV/XLSX tables, normalises and fingerprints
//     URLs, merges duplicate rows, and inserts pending rows into the SQLite progress store.
//     `discover` walks configured seller listings to produce catalogs.
//   - Collection: `collect` claims batches of eligible rows, dispatches them through a bounded
//     worker group, spaces requests per host, and runs the provider fallback loop (direct,
//     commercial unblockers, optional headless). Accepted HTML is archived to S3, GCS, or a
//     local directory under html/<fingerprint> with a metadata/<fingerprint> JSON sidecar.
//   - Progress: every row moves pending -> processing -> success|failed. Rows left in
//     processing by a crash are failed on the next start and re-claimed while attempts remain.
//     Progress events fan out to zap logs, Prometheus, collection_stats rows, an optional
//     Postgres run ledger, and optional Pub/Sub notifications.
//   - Operations: `status`, `serve`, `reset-failed`, `reset-processing`, `export-failed`, `skip`.
//
// Quick checklist:
//   - Configure via YAML (--config) or COLLECTOR_* env vars, e.g. COLLECTOR_ARCHIVE_BUCKET,
//     COLLECTOR_COLLECTOR_MAX_CONCURRENT, COLLECTOR_PROGRESS_DB_PATH.
//   - Provider credentials come from the environment or the dotenv file at secrets.env_file;
//     a provider without credentials is skipped.
//   - Run locally: go run ./cmd/straincollector collect --catalog strains.csv
package main
