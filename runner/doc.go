// Package runner orchestrates live turns on top of the store: it owns the
// single-writer append discipline per session, accumulates streamed deltas
// into persisted events, normalizes token usage exactly once per turn, and
// spawns and tracks nested subagent sessions.
//
// Each active session is one actor. All of its appends flow through an
// ordered queue so the next event's parent is always the id produced by the
// previous append, never a value re-read from storage. Sessions never share
// mutable tracker state; concurrency across sessions needs no coordination
// because persisted events are immutable.
package runner
