// Package model adapts provider SDKs to the provider-agnostic stream contract
// consumed by the runner. Each adapter translates its vendor's response shape
// into the closed core.StreamEvent set and its usage report into core.Usage,
// so the turn engine and token accounting never branch on vendor.
package model
