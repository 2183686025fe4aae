package runner

import (
	"context"

	"github.com/grovekit/grove/core"
	"github.com/grovekit/grove/logging"
	"github.com/grovekit/grove/store"
	"github.com/grovekit/grove/tokens"
)

// assistantPayload is the persisted shape of a message.assistant event.
// Content carries the plain text for search; Blocks preserve full structure.
type assistantPayload struct {
	Content     string             `json:"content"`
	Blocks      core.Blocks        `json:"blocks,omitempty"`
	Turn        int                `json:"turn"`
	Provider    string             `json:"provider,omitempty"`
	StopReason  string             `json:"stopReason,omitempty"`
	Interrupted bool               `json:"interrupted,omitempty"`
	TokenUsage  *core.Usage        `json:"tokenUsage,omitempty"`
	TokenRecord *tokens.Normalized `json:"tokenRecord,omitempty"`
}

type turnBoundaryPayload struct {
	Turn        int    `json:"turn"`
	StopReason  string `json:"stopReason,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

type toolCallPayload struct {
	ToolName   string `json:"toolName"`
	ToolCallID string `json:"toolCallId"`
	Arguments  string `json:"arguments,omitempty"`
	Turn       int    `json:"turn"`
}

type toolResultPayload struct {
	ToolName   string `json:"toolName"`
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
	Turn       int    `json:"turn"`
}

// SessionContext is the per-session actor state: the append queue, the turn
// tracker, and the subagent registry. Exactly one goroutine drives a context
// at a time.
type SessionContext struct {
	SessionID string

	store     *store.EventStore
	persister *Persister
	tracker   *TurnTracker
	subagents *SubagentTracker
	logger    logging.Logger
	provider  core.Provider
}

// NewSessionContext builds the actor state for one session and starts its
// append queue.
func NewSessionContext(s *store.EventStore, sessionID string, provider core.Provider, logger logging.Logger) (*SessionContext, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	p, err := NewPersister(s, sessionID, logger)
	if err != nil {
		return nil, err
	}
	return &SessionContext{
		SessionID: sessionID,
		store:     s,
		persister: p,
		tracker:   NewTurnTracker(provider),
		subagents: NewSubagentTracker(),
		logger:    logger,
		provider:  provider,
	}, nil
}

// Tracker exposes the turn tracker for the driving loop.
func (c *SessionContext) Tracker() *TurnTracker { return c.tracker }

// Persister exposes the session's append queue.
func (c *SessionContext) Persister() *Persister { return c.persister }

// Subagents exposes the child-session registry.
func (c *SessionContext) Subagents() *SubagentTracker { return c.subagents }

// Restore replays the session's ancestry into the in-memory trackers, used
// when resuming a persisted session. Pure read; nothing is appended.
func (c *SessionContext) Restore() error {
	history, err := c.store.History(c.SessionID)
	if err != nil {
		return err
	}
	c.tracker.RestoreFromEvents(history)
	return nil
}

// SwitchProvider records a model switch, resetting the token baseline exactly
// once per actual change, and updates the session row's model.
func (c *SessionContext) SwitchProvider(provider core.Provider, model string) error {
	c.tracker.TokenTracker().SetProvider(provider)
	c.provider = provider
	if model != "" {
		return c.store.SetSessionModel(c.SessionID, model)
	}
	return nil
}

// StartTurn begins a turn and persists its boundary event.
func (c *SessionContext) StartTurn(ctx context.Context, turn int) error {
	c.tracker.OnTurnStart(turn)
	_, err := c.persister.Append(ctx, store.EventStreamTurnStart,
		turnBoundaryPayload{Turn: turn})
	return err
}

// EndTurn persists the trailing assistant message (if the pre-tool flush did
// not already emit one) and the turn_end boundary.
func (c *SessionContext) EndTurn(ctx context.Context, stopReason string) error {
	if flush := c.tracker.EndTurn(); flush != nil {
		if err := c.persistAssistant(ctx, flush, stopReason); err != nil {
			return err
		}
	}
	_, err := c.persister.Append(ctx, store.EventStreamTurnEnd,
		turnBoundaryPayload{Turn: c.tracker.Turn(), StopReason: stopReason})
	return err
}

// FlushPreTool persists the pre-tool assistant message if the tracker has
// unflushed content. Safe to call repeatedly.
func (c *SessionContext) FlushPreTool(ctx context.Context) error {
	flush := c.tracker.FlushPreToolContent()
	if flush == nil {
		return nil
	}
	return c.persistAssistant(ctx, flush, "tool_use")
}

// Interrupt persists a best-effort valid trailing assistant message and the
// turn_end boundary for a turn cancelled mid-flight, then leaves the session
// resumable.
func (c *SessionContext) Interrupt(ctx context.Context) error {
	flush := c.tracker.BuildInterruptedContent()
	if flush != nil {
		if err := c.persistAssistant(ctx, flush, "interrupted"); err != nil {
			return err
		}
	}
	_, err := c.persister.Append(ctx, store.EventStreamTurnEnd,
		turnBoundaryPayload{Turn: c.tracker.Turn(), Interrupted: true})
	return err
}

// RecordToolCall persists the tool.call event for one invocation.
func (c *SessionContext) RecordToolCall(ctx context.Context, use core.ToolUseBlock) error {
	_, err := c.persister.Append(ctx, store.EventToolCall, toolCallPayload{
		ToolName:   use.Name,
		ToolCallID: use.ID,
		Arguments:  string(use.Arguments),
		Turn:       c.tracker.Turn(),
	})
	return err
}

// RecordToolResult persists the tool.result event. Tool failures are recorded
// as ordinary events with the error flag, never raised as store errors.
func (c *SessionContext) RecordToolResult(ctx context.Context, use core.ToolUseBlock, content string, isErr bool) error {
	_, err := c.persister.Append(ctx, store.EventToolResult, toolResultPayload{
		ToolName:   use.Name,
		ToolCallID: use.ID,
		Content:    content,
		IsError:    isErr,
		Turn:       c.tracker.Turn(),
	})
	return err
}

// RecordUserMessage persists a message.user event.
func (c *SessionContext) RecordUserMessage(ctx context.Context, content string) (*store.Event, error) {
	return c.persister.Append(ctx, store.EventMessageUser,
		map[string]any{"content": content})
}

// EnterPlanMode persists the plan-mode boundary and flips the tracker.
func (c *SessionContext) EnterPlanMode(ctx context.Context) error {
	c.tracker.SetPlanMode(true)
	_, err := c.persister.Append(ctx, store.EventPlanModeEntered, map[string]any{})
	return err
}

// ExitPlanMode persists the plan-mode exit boundary.
func (c *SessionContext) ExitPlanMode(ctx context.Context) error {
	c.tracker.SetPlanMode(false)
	_, err := c.persister.Append(ctx, store.EventPlanModeExited, map[string]any{})
	return err
}

// Close flushes and stops the append queue.
func (c *SessionContext) Close() {
	c.persister.Close()
}

func (c *SessionContext) persistAssistant(ctx context.Context, flush *AssistantFlush, stopReason string) error {
	payload := assistantPayload{
		Content:     flush.Blocks.Text(),
		Blocks:      flush.Blocks,
		Turn:        flush.Turn,
		Provider:    string(c.provider),
		StopReason:  stopReason,
		Interrupted: flush.Interrupted,
		TokenUsage:  flush.RawUsage,
		TokenRecord: flush.Usage,
	}
	_, err := c.persister.Append(ctx, store.EventMessageAssistant, payload)
	return err
}
