// Package store defines the per-URL progress model and the repository
// interfaces that persist it. Implementations live in internal/storage; this
// package must not import database drivers or concrete clients.
package store
