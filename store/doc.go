// Package store implements grove's embedded persistence layer: an append-only
// forest of immutable events addressed by generated id, organized into named
// movable session pointers, with content-addressed blob storage, named
// branches, full-text search, and an optional vector index.
//
// The store is process-local SQLite (modernc.org/sqlite, no cgo). Schema is
// versioned and migrated incrementally. Repositories are stateless: each owns
// one table family and its invariants, and every method takes the connection
// (or transaction) it should run against. The EventStore facade composes
// repositories into the multi-table operations (append, fork, tree reads)
// that must be atomic.
//
// Events are immutable once written. Sessions are refs into a global forest:
// parentage may cross session boundaries, and ancestry queries walk purely by
// parent id, never by session id.
package store
