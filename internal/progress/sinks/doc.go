// Package sinks implements progress consumers: structured logs, Prometheus
// collectors, the SQLite stats snapshots, the Postgres run ledger and
// archive notifications. Each satisfies progress.Sink.
package sinks
