// Package core defines the shared domain types of grove: assistant content
// blocks (a closed tagged union), the provider-agnostic stream event variants
// consumed by the turn engine, raw token usage reports, and id generation.
//
// The package deliberately has no dependency on the store or the runner so
// that both can import it freely.
package core
