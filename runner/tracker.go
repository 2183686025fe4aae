package runner

import (
	"encoding/json"
	"strings"

	"github.com/grovekit/grove/core"
	"github.com/grovekit/grove/store"
	"github.com/grovekit/grove/tokens"
)

// TurnState is the tracker's position in the turn lifecycle.
type TurnState int

const (
	// TurnIdle means no turn is in progress.
	TurnIdle TurnState = iota
	// TurnActive means the model is streaming a response.
	TurnActive
	// ToolsRunning means the response requested tools that are executing.
	ToolsRunning
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnActive:
		return "turn_active"
	case ToolsRunning:
		return "tools_running"
	default:
		return "unknown"
	}
}

// trackedToolCall is one streamed tool invocation, from first delta to result.
type trackedToolCall struct {
	id       string
	name     string
	args     strings.Builder
	complete bool
	started  bool
	ended    bool
}

// AssistantFlush is the content of one message.assistant event the tracker
// has decided to emit: the accumulated blocks plus the turn's token data.
type AssistantFlush struct {
	Turn        int
	Blocks      core.Blocks
	Usage       *tokens.Normalized
	RawUsage    *core.Usage
	Interrupted bool
}

// TurnTracker accumulates one session's streamed deltas into flushable
// assistant content and enforces the at-most-once rules of a turn: token
// usage is normalized exactly once per turn, and assistant content is flushed
// exactly once, either before the first tool runs or at turn end, never
// both.
//
// The tracker is exclusively owned by its session's actor and is not safe for
// concurrent use.
type TurnTracker struct {
	tokens *tokens.Tracker

	state       TurnState
	interrupted bool
	turn        int

	text     strings.Builder
	thinking strings.Builder
	calls    []*trackedToolCall
	callByID map[string]*trackedToolCall

	usage    *tokens.Normalized
	rawUsage *core.Usage
	flushed  bool

	planMode bool
}

// NewTurnTracker returns an idle tracker accounting tokens against the given
// provider.
func NewTurnTracker(provider core.Provider) *TurnTracker {
	return &TurnTracker{
		tokens:   tokens.NewTracker(provider),
		callByID: map[string]*trackedToolCall{},
	}
}

// State returns the current lifecycle state.
func (t *TurnTracker) State() TurnState { return t.state }

// Interrupted reports whether the current turn was cancelled.
func (t *TurnTracker) Interrupted() bool { return t.interrupted }

// Turn returns the current turn number.
func (t *TurnTracker) Turn() int { return t.turn }

// PlanMode reports whether the session is in plan mode.
func (t *TurnTracker) PlanMode() bool { return t.planMode }

// SetPlanMode records a plan mode transition.
func (t *TurnTracker) SetPlanMode(on bool) { t.planMode = on }

// TokenTracker exposes the session's token accounting, shared across turns.
func (t *TurnTracker) TokenTracker() *tokens.Tracker { return t.tokens }

// OnAgentStart clears the per-run accumulators. The token baseline is
// deliberately untouched: deltas stay accurate across agent runs within one
// session.
func (t *TurnTracker) OnAgentStart() {
	t.resetTurnBuffers()
	t.turn = 0
	t.state = TurnIdle
	t.interrupted = false
}

// OnAgentEnd clears run state like OnAgentStart.
func (t *TurnTracker) OnAgentEnd() {
	t.resetTurnBuffers()
	t.turn = 0
	t.state = TurnIdle
}

// OnTurnStart begins a new turn, resetting per-turn buffers only.
func (t *TurnTracker) OnTurnStart(turn int) {
	t.resetTurnBuffers()
	t.turn = turn
	t.state = TurnActive
	t.interrupted = false
}

func (t *TurnTracker) resetTurnBuffers() {
	t.text.Reset()
	t.thinking.Reset()
	t.calls = nil
	t.callByID = map[string]*trackedToolCall{}
	t.usage = nil
	t.rawUsage = nil
	t.flushed = false
}

// AppendText accumulates streamed assistant text.
func (t *TurnTracker) AppendText(s string) { t.text.WriteString(s) }

// AppendThinking accumulates streamed reasoning text.
func (t *TurnTracker) AppendThinking(s string) { t.thinking.WriteString(s) }

// ToolCallDelta records a streamed tool-call fragment. The first delta for an
// id establishes the call.
func (t *TurnTracker) ToolCallDelta(id, name, argsPart string) {
	call, ok := t.callByID[id]
	if !ok {
		call = &trackedToolCall{id: id, name: name}
		t.callByID[id] = call
		t.calls = append(t.calls, call)
	}
	if call.name == "" {
		call.name = name
	}
	call.args.WriteString(argsPart)
}

// ToolCallComplete marks a streamed call's arguments as fully received.
func (t *TurnTracker) ToolCallComplete(id string) {
	if call, ok := t.callByID[id]; ok {
		call.complete = true
	}
}

// RegisterToolIntents records calls announced up-front rather than streamed,
// used by providers that deliver complete tool calls in one piece.
func (t *TurnTracker) RegisterToolIntents(uses []core.ToolUseBlock) {
	for _, u := range uses {
		if _, ok := t.callByID[u.ID]; ok {
			continue
		}
		call := &trackedToolCall{id: u.ID, name: u.Name, complete: true}
		call.args.Write(u.Arguments)
		t.callByID[u.ID] = call
		t.calls = append(t.calls, call)
	}
}

// SetResponseTokenUsage normalizes and caches the turn's token usage. Called
// as soon as the provider signals completion, before any tool runs. The first
// call per turn wins; later calls are ignored so every downstream assistant
// event carries identical token data.
func (t *TurnTracker) SetResponseTokenUsage(raw core.Usage) {
	if t.usage != nil {
		return
	}
	n := t.tokens.RecordTurn(raw)
	t.usage = &n
	t.rawUsage = &raw
}

// LastNormalizedUsage returns the cached normalized usage for the current
// turn, or nil before SetResponseTokenUsage.
func (t *TurnTracker) LastNormalizedUsage() *tokens.Normalized {
	return t.usage
}

// StartToolCall transitions to ToolsRunning. The caller flushes pre-tool
// content via FlushPreToolContent before executing the call.
func (t *TurnTracker) StartToolCall(id string) {
	if call, ok := t.callByID[id]; ok {
		call.started = true
	}
	t.state = ToolsRunning
}

// EndToolCall marks one call finished. Once every started call has ended the
// tracker returns to TurnActive.
func (t *TurnTracker) EndToolCall(id string) {
	if call, ok := t.callByID[id]; ok {
		call.ended = true
	}
	for _, call := range t.calls {
		if call.started && !call.ended {
			return
		}
	}
	t.state = TurnActive
}

// FlushPreToolContent returns everything accumulated so far as one assistant
// message, so clients can render progress before tools finish. Idempotent:
// the second and later calls in a turn return nil.
func (t *TurnTracker) FlushPreToolContent() *AssistantFlush {
	if t.flushed {
		return nil
	}
	blocks := t.buildBlocks(false)
	if len(blocks) == 0 {
		return nil
	}
	t.flushed = true
	return &AssistantFlush{
		Turn:     t.turn,
		Blocks:   blocks,
		Usage:    t.usage,
		RawUsage: t.rawUsage,
	}
}

// EndTurn closes the turn. It returns a trailing assistant message only when
// the pre-tool flush did not already emit one; a turn with no tool calls is
// flushed exactly once, here. Idempotent.
func (t *TurnTracker) EndTurn() *AssistantFlush {
	defer func() { t.state = TurnIdle }()
	if t.flushed {
		return nil
	}
	blocks := t.buildBlocks(false)
	if len(blocks) == 0 {
		return nil
	}
	t.flushed = true
	return &AssistantFlush{
		Turn:     t.turn,
		Blocks:   blocks,
		Usage:    t.usage,
		RawUsage: t.rawUsage,
	}
}

// BuildInterruptedContent synthesizes the trailing assistant message for a
// turn cancelled mid-flight: accumulated content with any in-flight tool_use
// explicitly marked interrupted, so persisted history never ends mid-block.
// Returns nil when the pre-tool flush already persisted everything and no
// call was in flight.
func (t *TurnTracker) BuildInterruptedContent() *AssistantFlush {
	t.interrupted = true
	t.state = TurnIdle

	inFlight := false
	for _, call := range t.calls {
		if call.started && !call.ended {
			inFlight = true
		}
	}
	if t.flushed && !inFlight {
		return nil
	}
	blocks := t.buildBlocks(true)
	if len(blocks) == 0 {
		return nil
	}
	t.flushed = true
	return &AssistantFlush{
		Turn:        t.turn,
		Blocks:      blocks,
		Usage:       t.usage,
		RawUsage:    t.rawUsage,
		Interrupted: true,
	}
}

// buildBlocks assembles thinking, text, then tool_use blocks in stream order.
func (t *TurnTracker) buildBlocks(markInterrupted bool) core.Blocks {
	var blocks core.Blocks
	if t.thinking.Len() > 0 {
		blocks = append(blocks, core.ThinkingBlock{Thinking: t.thinking.String()})
	}
	if t.text.Len() > 0 {
		blocks = append(blocks, core.TextBlock{Text: t.text.String()})
	}
	for _, call := range t.calls {
		block := core.ToolUseBlock{ID: call.id, Name: call.name}
		if args := call.args.String(); args != "" {
			block.Arguments = json.RawMessage(args)
		}
		if markInterrupted && call.started && !call.ended {
			block.Interrupted = true
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// RestoreFromEvents rebuilds the tracker's cross-turn state (turn counter,
// plan mode, token baseline) by folding over a session's event ancestry,
// oldest first. Pure with respect to the store: it only reads the given
// slice.
func (t *TurnTracker) RestoreFromEvents(events []*store.Event) {
	t.resetTurnBuffers()
	t.state = TurnIdle
	t.interrupted = false

	var (
		baseline int64
		provider = t.tokens.Provider()
		totals   tokens.Totals
	)
	for _, ev := range events {
		switch ev.Type {
		case store.EventStreamTurnStart:
			var p struct {
				Turn int `json:"turn"`
			}
			if err := json.Unmarshal(ev.Payload, &p); err == nil {
				t.turn = p.Turn
			}
		case store.EventPlanModeEntered:
			t.planMode = true
		case store.EventPlanModeExited:
			t.planMode = false
		case store.EventMessageAssistant:
			var p struct {
				Provider    string             `json:"provider"`
				TokenRecord *tokens.Normalized `json:"tokenRecord"`
			}
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			if p.TokenRecord == nil {
				continue
			}
			if p.Provider != "" {
				next := core.Provider(p.Provider)
				if next != provider {
					provider = next
					baseline = 0
				}
			}
			baseline = p.TokenRecord.ContextWindowTokens
			totals.NewInputTokens += p.TokenRecord.NewInputTokens
			totals.OutputTokens += p.TokenRecord.OutputTokens
			totals.CacheReadTokens += p.TokenRecord.CacheReadTokens
			totals.CacheCreationTokens += p.TokenRecord.CacheCreationTokens
			totals.Turns++
		}
	}
	t.tokens.RestoreState(provider, baseline, totals)
}
