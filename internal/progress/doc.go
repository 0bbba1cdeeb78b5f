// Package progress carries collection-run events from the driver to
// pluggable sinks. Emit never blocks the worker pool; a background
// goroutine batches events and flushes them to logs, metrics, the run
// ledger and downstream notifications.
package progress
