package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/grovekit/grove/core"
	"github.com/grovekit/grove/logging"
	"github.com/grovekit/grove/store"
)

// SubagentStatus is a tracked child session's lifecycle state.
type SubagentStatus string

// Subagent lifecycle states.
const (
	SubagentRunning   SubagentStatus = "running"
	SubagentCompleted SubagentStatus = "completed"
	SubagentFailed    SubagentStatus = "failed"
)

// subagentEntry is one tracked child session.
type subagentEntry struct {
	sessionID string
	task      string
	status    SubagentStatus
	detail    string
	done      chan struct{}
}

// SubagentTracker registers a parent session's children and their statuses.
// One tracker per SessionContext; all mutation goes through status methods so
// waiters see terminal transitions exactly once.
type SubagentTracker struct {
	mu      sync.Mutex
	entries map[string]*subagentEntry
}

// NewSubagentTracker returns an empty tracker.
func NewSubagentTracker() *SubagentTracker {
	return &SubagentTracker{entries: map[string]*subagentEntry{}}
}

// Spawn registers a new running child.
func (t *SubagentTracker) Spawn(sessionID, task string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[sessionID] = &subagentEntry{
		sessionID: sessionID,
		task:      task,
		status:    SubagentRunning,
		done:      make(chan struct{}),
	}
}

// UpdateStatus records a non-terminal progress note for a running child.
func (t *SubagentTracker) UpdateStatus(sessionID, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[sessionID]; ok && e.status == SubagentRunning {
		e.detail = detail
	}
}

// Complete marks a child finished successfully. Terminal; later transitions
// are ignored.
func (t *SubagentTracker) Complete(sessionID, detail string) {
	t.finish(sessionID, SubagentCompleted, detail)
}

// Fail marks a child finished unsuccessfully. Terminal.
func (t *SubagentTracker) Fail(sessionID, detail string) {
	t.finish(sessionID, SubagentFailed, detail)
}

func (t *SubagentTracker) finish(sessionID string, status SubagentStatus, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[sessionID]
	if !ok || e.status != SubagentRunning {
		return
	}
	e.status = status
	e.detail = detail
	close(e.done)
}

// Status returns a child's current status, or false for an unknown id.
func (t *SubagentTracker) Status(sessionID string) (SubagentStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[sessionID]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Wait blocks until the child reaches a terminal status or the context ends.
func (t *SubagentTracker) Wait(ctx context.Context, sessionID string) (SubagentStatus, error) {
	t.mu.Lock()
	e, ok := t.entries[sessionID]
	t.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("subagent %s: %w", sessionID, store.ErrNotFound)
	}
	select {
	case <-e.done:
		status, _ := t.Status(sessionID)
		return status, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SpawnInput configures one subagent spawn.
type SpawnInput struct {
	ParentSessionID string
	Task            string

	// Model overrides the parent's model for the child; empty inherits.
	Model string
	// SystemPrompt replaces the child's system prompt.
	SystemPrompt string
	// Policy restricts the child's tool access.
	Policy ToolPolicy
	// Blocking makes the spawn await the child's completion.
	Blocking bool
	// Timeout bounds a blocking wait. Zero means DefaultSpawnTimeout.
	Timeout time.Duration
}

// SpawnResult is what a spawn returns to the parent turn.
type SpawnResult struct {
	ChildSessionID string
	Status         SubagentStatus
	// Summary is the child's terminal assistant output, present for blocking
	// spawns that completed.
	Summary string
}

// DefaultSpawnTimeout bounds blocking spawns that pass no timeout.
const DefaultSpawnTimeout = 5 * time.Minute

// ChildRunner executes a spawned session to completion. The runner package
// does not own model execution; the embedding application injects it. Run is
// called on its own goroutine with the child already registered.
type ChildRunner interface {
	Run(ctx context.Context, childSessionID string, policy ToolPolicy) error
}

// ChildRunnerFunc adapts a function to ChildRunner.
type ChildRunnerFunc func(ctx context.Context, childSessionID string, policy ToolPolicy) error

// Run executes the function.
func (f ChildRunnerFunc) Run(ctx context.Context, childSessionID string, policy ToolPolicy) error {
	return f(ctx, childSessionID, policy)
}

// SpawnHandler creates and tracks nested sessions. Children are real
// sessions: their events persist under their own id, attributed to the parent
// via parent_session_id, and their first event parents onto the spawning
// event so ancestry stays connected across the session boundary.
type SpawnHandler struct {
	arena  *Arena
	runner ChildRunner
	logger logging.Logger
}

// NewSpawnHandler wires a handler over the arena.
func NewSpawnHandler(arena *Arena, runner ChildRunner, logger logging.Logger) *SpawnHandler {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &SpawnHandler{arena: arena, runner: runner, logger: logger}
}

// Spawn creates a child session under an active parent. Blocking spawns wait
// (bounded) for the child's terminal status and summarize its last assistant
// output; non-blocking spawns return immediately with the child id.
// Subagents may themselves spawn subagents; each child gets its own
// single-writer actor.
func (h *SpawnHandler) Spawn(ctx context.Context, in SpawnInput) (*SpawnResult, error) {
	parent := h.arena.Get(in.ParentSessionID)
	if parent == nil {
		return nil, fmt.Errorf("session %s: %w", in.ParentSessionID, ErrParentNotFound)
	}

	st := h.arena.Store()
	parentSession, err := st.Session(in.ParentSessionID)
	if err != nil {
		return nil, err
	}

	model := in.Model
	if model == "" {
		model = parentSession.Model
	}
	mode := "fire_and_forget"
	if in.Blocking {
		mode = "blocking"
	}

	ws, err := st.Workspaces()
	if err != nil {
		return nil, err
	}
	workspacePath := parentSession.WorkingDirectory
	for _, w := range ws {
		if w.ID == parentSession.WorkspaceID {
			workspacePath = w.Path
			break
		}
	}

	child, err := st.CreateSession(store.CreateSessionInput{
		ID:               core.NewSessionID(),
		WorkspacePath:    workspacePath,
		Model:            model,
		WorkingDirectory: parentSession.WorkingDirectory,
		ParentSessionID:  in.ParentSessionID,
		SpawnType:        store.SpawnTypeSubsession,
		SpawnTask:        in.Task,
	})
	if err != nil {
		return nil, err
	}

	// The spawn marker goes on the parent's chain through its own queue, so
	// it serializes correctly with the parent's in-flight appends.
	spawnEvent, err := parent.Persister().Append(ctx, store.EventSubagentSpawned, map[string]any{
		"childSessionId": child.ID,
		"task":           in.Task,
		"mode":           mode,
		"model":          model,
	})
	if err != nil {
		return nil, err
	}

	parent.Subagents().Spawn(child.ID, in.Task)

	// The child's first event parents onto the spawn marker.
	firstPayload := map[string]any{"content": in.Task}
	if in.SystemPrompt != "" {
		firstPayload["systemPrompt"] = in.SystemPrompt
	}
	rawFirst, err := json.Marshal(firstPayload)
	if err != nil {
		return nil, fmt.Errorf("marshal spawn task: %w", err)
	}
	if _, err := st.Append(store.AppendInput{
		EventID:   core.NewEventID(),
		SessionID: child.ID,
		Type:      store.EventMessageUser,
		Payload:   rawFirst,
		ParentID:  &spawnEvent.ID,
	}); err != nil {
		return nil, err
	}

	h.logger.Info("subagent spawned",
		"parentSessionId", in.ParentSessionID, "childSessionId", child.ID,
		"mode", mode)

	go h.runChild(parent, child.ID, in.Policy)

	if !in.Blocking {
		return &SpawnResult{ChildSessionID: child.ID, Status: SubagentRunning}, nil
	}
	return h.await(ctx, parent, child.ID, in.Timeout)
}

// ReportStatus records a running child's progress note: the parent's tracker
// is updated and a subagent.status_update event goes onto the parent chain.
func (h *SpawnHandler) ReportStatus(parentSessionID, childID, detail string) error {
	parent := h.arena.Get(parentSessionID)
	if parent == nil {
		return fmt.Errorf("session %s: %w", parentSessionID, ErrParentNotFound)
	}
	parent.Subagents().UpdateStatus(childID, detail)
	return parent.Persister().AppendAsync(store.EventSubagentStatusUpdate, map[string]any{
		"childSessionId": childID,
		"detail":         detail,
	})
}

func (h *SpawnHandler) runChild(parent *SessionContext, childID string, policy ToolPolicy) {
	if h.runner == nil {
		parent.Subagents().Fail(childID, errNoExecutor.Error())
		h.persistStatus(parent, childID, SubagentFailed, errNoExecutor.Error())
		return
	}
	err := h.runner.Run(context.Background(), childID, policy)
	if err != nil {
		parent.Subagents().Fail(childID, err.Error())
		h.persistStatus(parent, childID, SubagentFailed, err.Error())
		return
	}
	parent.Subagents().Complete(childID, "")
	h.persistStatus(parent, childID, SubagentCompleted, "")
}

// persistStatus records the child's terminal status on the parent chain.
// Fire-and-forget: status events must not block or fail the child path.
func (h *SpawnHandler) persistStatus(parent *SessionContext, childID string, status SubagentStatus, detail string) {
	typ := store.EventSubagentCompleted
	if status == SubagentFailed {
		typ = store.EventSubagentFailed
	}
	if err := parent.Persister().AppendAsync(typ, map[string]any{
		"childSessionId": childID,
		"status":         string(status),
		"detail":         detail,
	}); err != nil {
		h.logger.Error("subagent status append failed",
			"childSessionId", childID, "error", err)
	}
}

// await blocks until the child finishes, then summarizes its terminal
// assistant output for the parent turn.
func (h *SpawnHandler) await(ctx context.Context, parent *SessionContext, childID string, timeout time.Duration) (*SpawnResult, error) {
	if timeout <= 0 {
		timeout = DefaultSpawnTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, err := parent.Subagents().Wait(waitCtx, childID)
	if err != nil {
		if waitCtx.Err() != nil {
			return &SpawnResult{ChildSessionID: childID, Status: SubagentRunning},
				fmt.Errorf("subagent %s: %w", childID, ErrSpawnTimeout)
		}
		return nil, err
	}

	summary, err := h.terminalAssistantOutput(childID)
	if err != nil {
		h.logger.Warn("subagent summary unavailable",
			"childSessionId", childID, "error", err)
	}
	return &SpawnResult{ChildSessionID: childID, Status: status, Summary: summary}, nil
}

// terminalAssistantOutput returns the content of the child's last assistant
// message.
func (h *SpawnHandler) terminalAssistantOutput(childID string) (string, error) {
	events, err := h.arena.Store().Events(childID, 0, 0)
	if err != nil {
		return "", err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != store.EventMessageAssistant {
			continue
		}
		var p struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(events[i].Payload, &p); err != nil {
			return "", err
		}
		return p.Content, nil
	}
	return "", nil
}
