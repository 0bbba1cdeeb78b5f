// Package crawler holds the shared contracts of the collection engine: the
// provider, validator, limiter and blob store interfaces plus the small value
// types passed between them.
package crawler
