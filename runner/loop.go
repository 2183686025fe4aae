package runner

import (
	"context"
	"encoding/json"

	"github.com/grovekit/grove/core"
	"github.com/grovekit/grove/logging"
	"github.com/grovekit/grove/store"
)

// ToolExecutor runs one tool invocation on behalf of a turn. Execution errors
// become tool.result events with the error flag, not turn failures.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// ToolExecutorFunc adapts a function to ToolExecutor.
type ToolExecutorFunc func(ctx context.Context, name string, args json.RawMessage) (string, error)

// Execute runs the function.
func (f ToolExecutorFunc) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	return f(ctx, name, args)
}

// TurnRunner consumes one provider stream per turn and drives the session's
// tracker and persistence. It is a consumer loop over the closed StreamEvent
// set, not a chain of callbacks.
type TurnRunner struct {
	sc     *SessionContext
	tools  ToolExecutor
	logger logging.Logger
}

// NewTurnRunner wires a runner for one session context.
func NewTurnRunner(sc *SessionContext, tools ToolExecutor, logger logging.Logger) *TurnRunner {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &TurnRunner{sc: sc, tools: tools, logger: logger}
}

// RunTurn consumes one turn's stream to completion: accumulate deltas, cache
// token usage the moment the provider reports it, flush before the first tool
// executes, run the tools, and close the turn. Cancellation at any suspension
// point persists a valid interrupted trailing message instead of truncating
// history mid-block.
func (r *TurnRunner) RunTurn(ctx context.Context, stream <-chan core.StreamEvent) error {
	tracker := r.sc.Tracker()
	var stopReason string

consume:
	for {
		select {
		case <-ctx.Done():
			return r.interrupt(ctx)
		case ev, ok := <-stream:
			if !ok {
				break consume
			}
			switch e := ev.(type) {
			case core.StreamStart:
				if err := r.sc.StartTurn(ctx, e.Turn); err != nil {
					return err
				}
			case core.TextDelta:
				tracker.AppendText(e.Text)
			case core.ThinkingDelta:
				tracker.AppendThinking(e.Text)
			case core.ToolCallDelta:
				tracker.ToolCallDelta(e.ID, e.Name, e.ArgumentsPart)
			case core.ToolCallEnd:
				tracker.ToolCallComplete(e.ID)
			case core.StreamDone:
				if e.Usage != nil {
					tracker.SetResponseTokenUsage(*e.Usage)
				}
				stopReason = e.StopReason
			case core.StreamError:
				r.logger.Error("provider stream failed",
					"sessionId", r.sc.SessionID, "error", e.Err)
				if _, err := r.sc.Persister().Append(ctx, store.EventErrorProvider,
					map[string]any{"content": e.Err.Error()}); err != nil {
					return err
				}
				return e.Err
			}
		}
	}

	if err := r.runTools(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return r.interrupt(context.WithoutCancel(ctx))
	}
	return r.sc.EndTurn(ctx, stopReason)
}

// runTools executes the turn's completed tool calls in stream order. The
// first call triggers the pre-tool flush so accumulated content is visible
// before any tool finishes.
func (r *TurnRunner) runTools(ctx context.Context) error {
	uses := r.pendingToolUses()
	if len(uses) == 0 {
		return nil
	}
	if err := r.sc.FlushPreTool(ctx); err != nil {
		return err
	}

	tracker := r.sc.Tracker()
	for _, use := range uses {
		if ctx.Err() != nil {
			tracker.StartToolCall(use.ID)
			return r.interrupt(context.WithoutCancel(ctx))
		}
		tracker.StartToolCall(use.ID)
		if err := r.sc.RecordToolCall(ctx, use); err != nil {
			return err
		}

		result, execErr := r.execute(ctx, use)
		if ctx.Err() != nil {
			return r.interrupt(context.WithoutCancel(ctx))
		}
		content := result
		if execErr != nil {
			content = execErr.Error()
		}
		if err := r.sc.RecordToolResult(ctx, use, content, execErr != nil); err != nil {
			return err
		}
		tracker.EndToolCall(use.ID)
	}
	return nil
}

func (r *TurnRunner) execute(ctx context.Context, use core.ToolUseBlock) (string, error) {
	if r.tools == nil {
		return "", errNoExecutor
	}
	return r.tools.Execute(ctx, use.Name, use.Arguments)
}

// pendingToolUses snapshots the completed streamed calls as tool_use blocks.
func (r *TurnRunner) pendingToolUses() []core.ToolUseBlock {
	tracker := r.sc.Tracker()
	var uses []core.ToolUseBlock
	for _, call := range tracker.calls {
		if !call.complete || call.ended {
			continue
		}
		block := core.ToolUseBlock{ID: call.id, Name: call.name}
		if args := call.args.String(); args != "" {
			block.Arguments = json.RawMessage(args)
		}
		uses = append(uses, block)
	}
	return uses
}

func (r *TurnRunner) interrupt(ctx context.Context) error {
	if err := r.sc.Interrupt(context.WithoutCancel(ctx)); err != nil {
		r.logger.Error("interrupt persistence failed",
			"sessionId", r.sc.SessionID, "error", err)
	}
	return context.Canceled
}
