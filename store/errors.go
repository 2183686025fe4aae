package store

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers are expected to test with errors.Is; lookups on
// unknown ids return nil results without error, while writes that require an
// existing row fail with ErrNotFound.
var (
	// ErrNotFound marks an absent session, event, blob, or workspace on an
	// operation that requires it to exist.
	ErrNotFound = errors.New("not found")

	// ErrConstraintViolation marks an unresolved parent id or a payload that
	// does not match its declared event type.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrDegraded marks an unavailable secondary index (search or vector).
	// Core writes are unaffected; only the derived feature is disabled.
	ErrDegraded = errors.New("index degraded")

	// ErrConcurrencyViolation should be unreachable under the single-writer
	// per-session discipline. If observed it indicates a serialization bug
	// and must fail loudly rather than silently reorder.
	ErrConcurrencyViolation = errors.New("concurrency violation")

	// ErrCorruptAncestry marks an ancestor walk that exceeded the traversal
	// bound, converting data corruption into a bounded error instead of an
	// unbounded walk.
	ErrCorruptAncestry = errors.New("ancestry chain exceeds traversal bound")
)

// notFound wraps ErrNotFound with the missing entity's kind and id.
func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// constraint wraps ErrConstraintViolation with a description.
func constraint(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConstraintViolation)...)
}
