// Package logging provides a minimal logging interface and adapters for grove.
//
// The Logger interface defines the standard logging methods (Debug, Info,
// Warn, Error) that the store and the runner use for observability:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// The design intentionally keeps the interface minimal so callers can plug
// any structured logger while the defaults stay on log/slog.
package logging
