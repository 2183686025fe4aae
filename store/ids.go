package store

import "github.com/grovekit/grove/core"

// Internal id generation delegates to core so every id in the system carries
// the same prefixed-uuid shape.
func newEventID() string     { return core.NewEventID() }
func newBlobID() string      { return core.NewBlobID() }
func newBranchID() string    { return core.NewBranchID() }
func newWorkspaceID() string { return core.NewWorkspaceID() }
