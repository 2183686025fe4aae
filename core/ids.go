package core

import "github.com/google/uuid"

// NewEventID generates a unique event identifier.
func NewEventID() string { return "evt_" + uuid.NewString() }

// NewSessionID generates a unique session identifier.
func NewSessionID() string { return "sess_" + uuid.NewString() }

// NewWorkspaceID generates a unique workspace identifier.
func NewWorkspaceID() string { return "ws_" + uuid.NewString() }

// NewBlobID generates a unique blob identifier.
func NewBlobID() string { return "blob_" + uuid.NewString() }

// NewBranchID generates a unique branch identifier.
func NewBranchID() string { return "br_" + uuid.NewString() }

// NewToolCallID generates a unique tool call identifier.
func NewToolCallID() string { return "tc_" + uuid.NewString() }
