package runner

import "errors"

var (
	// ErrParentNotFound marks a spawn against a session that is not active in
	// the arena.
	ErrParentNotFound = errors.New("parent session not active")

	// ErrSpawnTimeout marks a blocking spawn whose child did not finish in
	// time. The child keeps running; only the wait is abandoned.
	ErrSpawnTimeout = errors.New("subagent wait timed out")

	// ErrToolDenied marks a tool invocation rejected by the session's policy.
	ErrToolDenied = errors.New("tool denied by policy")

	// ErrPersisterClosed marks an append against a session whose queue has
	// been closed, typically after Arena.Release.
	ErrPersisterClosed = errors.New("session append queue closed")

	errNoExecutor = errors.New("no tool executor configured")
)
