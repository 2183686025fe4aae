package store

import "encoding/json"

// EventType is the closed tag identifying an event's payload shape.
type EventType string

// Event types persisted by the core. The set is closed: repositories reject
// types they do not know at the serialization boundary.
const (
	EventSessionStart EventType = "session.start"
	EventSessionEnd   EventType = "session.end"
	EventSessionFork  EventType = "session.fork"

	EventMessageUser      EventType = "message.user"
	EventMessageAssistant EventType = "message.assistant"
	EventMessageSystem    EventType = "message.system"

	EventToolCall   EventType = "tool.call"
	EventToolResult EventType = "tool.result"

	EventStreamTurnStart EventType = "stream.turn_start"
	EventStreamTurnEnd   EventType = "stream.turn_end"

	EventSubagentSpawned      EventType = "subagent.spawned"
	EventSubagentStatusUpdate EventType = "subagent.status_update"
	EventSubagentCompleted    EventType = "subagent.completed"
	EventSubagentFailed       EventType = "subagent.failed"

	EventPlanModeEntered EventType = "plan.mode_entered"
	EventPlanModeExited  EventType = "plan.mode_exited"

	EventMemoryLoaded  EventType = "memory.loaded"
	EventErrorProvider EventType = "error.provider"
)

var knownEventTypes = map[EventType]struct{}{
	EventSessionStart: {}, EventSessionEnd: {}, EventSessionFork: {},
	EventMessageUser: {}, EventMessageAssistant: {}, EventMessageSystem: {},
	EventToolCall: {}, EventToolResult: {},
	EventStreamTurnStart: {}, EventStreamTurnEnd: {},
	EventSubagentSpawned: {}, EventSubagentStatusUpdate: {},
	EventSubagentCompleted: {}, EventSubagentFailed: {},
	EventPlanModeEntered: {}, EventPlanModeExited: {},
	EventMemoryLoaded: {}, EventErrorProvider: {},
}

// Valid reports whether t is part of the closed tag set.
func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

func (t EventType) String() string { return string(t) }

// Event is one immutable row of the event forest, including the denormalized
// columns extracted from the payload at insert time.
type Event struct {
	ID          string
	SessionID   string
	ParentID    *string
	Sequence    int64
	Depth       int64
	Type        EventType
	Timestamp   string
	Payload     json.RawMessage
	ContentBlob *string
	WorkspaceID string

	// Derived index columns, extracted from payload on insert.
	Role                *string
	ToolName            *string
	ToolCallID          *string
	Turn                *int64
	InputTokens         *int64
	OutputTokens        *int64
	CacheReadTokens     *int64
	CacheCreationTokens *int64
	Checksum            *string
}

// Session is a named, movable pointer into the event forest plus denormalized
// counters. Never deleted in normal operation, only archived or ended.
type Session struct {
	ID               string
	WorkspaceID      string
	HeadEventID      *string
	RootEventID      *string
	Model            string
	WorkingDirectory string
	Title            *string

	EventCount          int64
	TurnCount           int64
	MessageCount        int64
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	TotalCost           float64

	IsArchived     bool
	CreatedAt      string
	LastActivityAt string
	EndedAt        *string

	ParentSessionID *string
	SpawnType       *string
	SpawnTask       *string
}

// Ended reports whether the session has been marked ended.
func (s *Session) Ended() bool { return s.EndedAt != nil }

// Spawn types recorded on sessions created by another session.
const (
	// SpawnTypeSubsession marks a nested subagent session.
	SpawnTypeSubsession = "subsession"
	// SpawnTypeTmux marks a session driven through an external terminal.
	SpawnTypeTmux = "tmux"
	// SpawnTypeFork marks a session created by forking another's history.
	SpawnTypeFork = "fork"
)

// Branch is a named, user-facing position in a session's event tree. Branch
// points themselves are detected from the data (an event with more than one
// child), not stored redundantly.
type Branch struct {
	ID             string
	SessionID      string
	Name           string
	Description    *string
	RootEventID    string
	HeadEventID    string
	IsDefault      bool
	CreatedAt      string
	LastActivityAt string
}

// Blob is a content-addressed, reference-counted large payload row.
type Blob struct {
	ID           string
	Hash         string
	Content      []byte
	MimeType     string
	SizeOriginal int64
	RefCount     int64
	CreatedAt    string
}

// Workspace groups sessions by filesystem path.
type Workspace struct {
	ID             string
	Path           string
	Name           *string
	CreatedAt      string
	LastActivityAt string
}

// MessagePreview is the last user and assistant snippet for one session.
type MessagePreview struct {
	LastUserMessage      string
	LastAssistantMessage string
}

// SearchResult is one ranked full-text match.
type SearchResult struct {
	EventID   string
	SessionID string
	Type      EventType
	Snippet   string
	Score     float64
	Timestamp string
}

// TreeNode is one node of a session tree visualization.
type TreeNode struct {
	Event       Event
	Children    []string
	BranchPoint bool
}
