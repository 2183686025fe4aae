package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovekit/grove/core"
	"github.com/grovekit/grove/store"
	"github.com/grovekit/grove/tokens"
)

func newTestStore(t *testing.T) *store.EventStore {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.New(db)
}

func newTestSession(t *testing.T, s *store.EventStore) *store.Session {
	t.Helper()
	sess, err := s.CreateSession(store.CreateSessionInput{
		ID:               core.NewSessionID(),
		WorkspacePath:    "/tmp/project",
		Model:            "claude-sonnet-4",
		WorkingDirectory: "/tmp/project",
	})
	require.NoError(t, err)
	return sess
}

func TestPersisterThreadsParentLocally(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)

	p, err := NewPersister(s, sess.ID, nil)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	var prev *store.Event
	for i := 0; i < 20; i++ {
		ev, err := p.Append(ctx, store.EventMessageUser,
			map[string]any{"content": fmt.Sprintf("message %d", i)})
		require.NoError(t, err)
		assert.Equal(t, int64(i), ev.Sequence)
		if prev == nil {
			assert.Nil(t, ev.ParentID)
		} else {
			require.NotNil(t, ev.ParentID)
			assert.Equal(t, prev.ID, *ev.ParentID)
		}
		prev = ev
	}
}

func TestPersisterFireAndForgetStaysLinear(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)

	p, err := NewPersister(s, sess.ID, nil)
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, p.AppendAsync(store.EventMessageUser,
			map[string]any{"content": fmt.Sprintf("m%d", i)}))
	}
	require.NoError(t, p.Flush(context.Background()))

	events, err := s.Events(sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 50)
	for i, ev := range events {
		assert.Equal(t, int64(i), ev.Sequence)
		if i > 0 {
			require.NotNil(t, ev.ParentID)
			assert.Equal(t, events[i-1].ID, *ev.ParentID)
		}
	}
}

func TestPersisterRejectsAppendsAfterClose(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)

	p, err := NewPersister(s, sess.ID, nil)
	require.NoError(t, err)
	p.Close()

	_, err = p.Append(context.Background(), store.EventMessageUser,
		map[string]any{"content": "too late"})
	assert.ErrorIs(t, err, ErrPersisterClosed)
	assert.ErrorIs(t, p.AppendAsync(store.EventMessageUser,
		map[string]any{"content": "too late"}), ErrPersisterClosed)
	assert.ErrorIs(t, p.Flush(context.Background()), ErrPersisterClosed)

	// Closing again is a no-op.
	p.Close()

	events, err := s.Events(sess.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTrackerUsageCachedOnce(t *testing.T) {
	tr := NewTurnTracker(core.ProviderAnthropic)
	tr.OnTurnStart(1)
	tr.AppendText("hello")

	tr.SetResponseTokenUsage(core.Usage{InputTokens: 500, CacheCreationTokens: 8000})
	first := tr.LastNormalizedUsage()
	require.NotNil(t, first)
	assert.Equal(t, int64(8500), first.ContextWindowTokens)

	// Tool lifecycle and a second usage report must not change the cache.
	tr.ToolCallDelta("tc_1", "search", `{"q":"x"}`)
	tr.ToolCallComplete("tc_1")
	tr.StartToolCall("tc_1")
	tr.SetResponseTokenUsage(core.Usage{InputTokens: 999999})
	tr.EndToolCall("tc_1")

	assert.Equal(t, first, tr.LastNormalizedUsage())

	flush := tr.EndTurn()
	require.NotNil(t, flush)
	assert.Equal(t, first, flush.Usage)
}

func TestTrackerPreToolFlushThenEndTurnEmitsOnce(t *testing.T) {
	tr := NewTurnTracker(core.ProviderAnthropic)
	tr.OnTurnStart(1)
	tr.AppendThinking("considering")
	tr.AppendText("I'll check that")
	tr.ToolCallDelta("tc_1", "read_file", `{"path":"a.go"}`)
	tr.ToolCallComplete("tc_1")
	tr.StartToolCall("tc_1")

	flush := tr.FlushPreToolContent()
	require.NotNil(t, flush)
	require.Len(t, flush.Blocks, 3)
	assert.IsType(t, core.ThinkingBlock{}, flush.Blocks[0])
	assert.IsType(t, core.TextBlock{}, flush.Blocks[1])
	assert.IsType(t, core.ToolUseBlock{}, flush.Blocks[2])

	// Second flush and the end-of-turn flush are both no-ops.
	assert.Nil(t, tr.FlushPreToolContent())
	tr.EndToolCall("tc_1")
	assert.Nil(t, tr.EndTurn())
	assert.Equal(t, TurnIdle, tr.State())
}

func TestTrackerEndTurnWithoutToolsFlushesOnce(t *testing.T) {
	tr := NewTurnTracker(core.ProviderAnthropic)
	tr.OnTurnStart(3)
	tr.AppendText("plain answer")

	flush := tr.EndTurn()
	require.NotNil(t, flush)
	assert.Equal(t, 3, flush.Turn)
	assert.Equal(t, "plain answer", flush.Blocks.Text())
	assert.Nil(t, tr.EndTurn())
}

func TestTrackerRegisterToolIntents(t *testing.T) {
	tr := NewTurnTracker(core.ProviderAnthropic)
	tr.OnTurnStart(1)
	tr.ToolCallDelta("tc_1", "bash", `{"cmd":"ls"}`)
	tr.RegisterToolIntents([]core.ToolUseBlock{
		{ID: "tc_1", Name: "bash", Arguments: json.RawMessage(`{"cmd":"overwrite"}`)},
		{ID: "tc_2", Name: "read_file", Arguments: json.RawMessage(`{"path":"a.go"}`)},
	})

	flush := tr.EndTurn()
	require.NotNil(t, flush)
	uses := flush.Blocks.ToolUses()
	require.Len(t, uses, 2)
	// A streamed call keeps its streamed arguments; only the unseen id is added.
	assert.JSONEq(t, `{"cmd":"ls"}`, string(uses[0].Arguments))
	assert.Equal(t, "read_file", uses[1].Name)
}

func TestTrackerInterruptedMarksInFlightTool(t *testing.T) {
	tr := NewTurnTracker(core.ProviderAnthropic)
	tr.OnTurnStart(1)
	tr.AppendText("running a command")
	tr.ToolCallDelta("tc_1", "bash", `{"cmd":"sleep 100"}`)
	tr.ToolCallComplete("tc_1")
	tr.StartToolCall("tc_1")

	flush := tr.BuildInterruptedContent()
	require.NotNil(t, flush)
	assert.True(t, flush.Interrupted)
	uses := flush.Blocks.ToolUses()
	require.Len(t, uses, 1)
	assert.True(t, uses[0].Interrupted)
	assert.True(t, tr.Interrupted())
	assert.Equal(t, TurnIdle, tr.State())
}

func TestTrackerAgentBoundariesKeepBaseline(t *testing.T) {
	tr := NewTurnTracker(core.ProviderAnthropic)
	tr.OnTurnStart(1)
	tr.SetResponseTokenUsage(core.Usage{InputTokens: 500, CacheCreationTokens: 8000})
	tr.EndTurn()

	tr.OnAgentEnd()
	tr.OnAgentStart()
	assert.Equal(t, int64(8500), tr.TokenTracker().Baseline())
	assert.Equal(t, 0, tr.Turn())
}

func TestTrackerRestoreFromEvents(t *testing.T) {
	payload := func(v any) json.RawMessage {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		return raw
	}
	events := []*store.Event{
		{Type: store.EventStreamTurnStart, Payload: payload(map[string]any{"turn": 1})},
		{Type: store.EventMessageAssistant, Payload: payload(assistantPayload{
			Content:  "first",
			Provider: string(core.ProviderAnthropic),
			TokenRecord: &tokens.Normalized{
				NewInputTokens: 8500, ContextWindowTokens: 8500, OutputTokens: 100,
			},
		})},
		{Type: store.EventPlanModeEntered, Payload: payload(map[string]any{})},
		{Type: store.EventStreamTurnStart, Payload: payload(map[string]any{"turn": 2})},
		{Type: store.EventMessageAssistant, Payload: payload(assistantPayload{
			Content:  "second",
			Provider: string(core.ProviderAnthropic),
			TokenRecord: &tokens.Normalized{
				NewInputTokens: 104, ContextWindowTokens: 8604, OutputTokens: 50,
			},
		})},
	}

	tr := NewTurnTracker(core.ProviderAnthropic)
	tr.RestoreFromEvents(events)

	assert.Equal(t, 2, tr.Turn())
	assert.True(t, tr.PlanMode())
	assert.Equal(t, int64(8604), tr.TokenTracker().Baseline())
	totals := tr.TokenTracker().Totals()
	assert.Equal(t, int64(8604), totals.NewInputTokens)
	assert.Equal(t, int64(150), totals.OutputTokens)
	assert.Equal(t, int64(2), totals.Turns)
}

func TestTurnRunnerFullTurnWithTools(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	sc, err := NewSessionContext(s, sess.ID, core.ProviderAnthropic, nil)
	require.NoError(t, err)
	defer sc.Close()

	var executed []string
	exec := ToolExecutorFunc(func(_ context.Context, name string, args json.RawMessage) (string, error) {
		executed = append(executed, name)
		return "tool output", nil
	})
	r := NewTurnRunner(sc, exec, nil)

	stream := make(chan core.StreamEvent, 16)
	stream <- core.StreamStart{Turn: 1}
	stream <- core.ThinkingDelta{Text: "let me look"}
	stream <- core.TextDelta{Text: "Checking the file."}
	stream <- core.ToolCallDelta{ID: "tc_1", Name: "read_file", ArgumentsPart: `{"path":`}
	stream <- core.ToolCallDelta{ID: "tc_1", ArgumentsPart: `"main.go"}`}
	stream <- core.ToolCallEnd{ID: "tc_1"}
	stream <- core.StreamDone{StopReason: "tool_use", Usage: &core.Usage{
		InputTokens: 500, OutputTokens: 80, CacheCreationTokens: 8000,
	}}
	close(stream)

	require.NoError(t, r.RunTurn(context.Background(), stream))
	assert.Equal(t, []string{"read_file"}, executed)

	events, err := s.Events(sess.ID, 0, 0)
	require.NoError(t, err)

	var types []store.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []store.EventType{
		store.EventStreamTurnStart,
		store.EventMessageAssistant,
		store.EventToolCall,
		store.EventToolResult,
		store.EventStreamTurnEnd,
	}, types)

	// The pre-tool assistant event carries the cached usage and the full
	// argument payload assembled from deltas.
	var p assistantPayload
	require.NoError(t, json.Unmarshal(events[1].Payload, &p))
	require.NotNil(t, p.TokenRecord)
	assert.Equal(t, int64(8500), p.TokenRecord.ContextWindowTokens)
	uses := p.Blocks.ToolUses()
	require.Len(t, uses, 1)
	assert.JSONEq(t, `{"path":"main.go"}`, string(uses[0].Arguments))
}

func TestTurnRunnerPlainTurnFlushesAtEnd(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	sc, err := NewSessionContext(s, sess.ID, core.ProviderOpenAI, nil)
	require.NoError(t, err)
	defer sc.Close()

	r := NewTurnRunner(sc, nil, nil)
	stream := make(chan core.StreamEvent, 8)
	stream <- core.StreamStart{Turn: 1}
	stream <- core.TextDelta{Text: "just an answer"}
	stream <- core.StreamDone{StopReason: "end_turn", Usage: &core.Usage{InputTokens: 1200}}
	close(stream)

	require.NoError(t, r.RunTurn(context.Background(), stream))

	events, err := s.Events(sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, store.EventMessageAssistant, events[1].Type)

	var assistants int
	for _, ev := range events {
		if ev.Type == store.EventMessageAssistant {
			assistants++
		}
	}
	assert.Equal(t, 1, assistants)
}

func TestTurnRunnerToolErrorRecordedNotRaised(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	sc, err := NewSessionContext(s, sess.ID, core.ProviderAnthropic, nil)
	require.NoError(t, err)
	defer sc.Close()

	exec := ToolExecutorFunc(func(context.Context, string, json.RawMessage) (string, error) {
		return "", fmt.Errorf("permission denied")
	})
	r := NewTurnRunner(sc, exec, nil)

	stream := make(chan core.StreamEvent, 8)
	stream <- core.StreamStart{Turn: 1}
	stream <- core.ToolCallDelta{ID: "tc_1", Name: "write_file", ArgumentsPart: `{}`}
	stream <- core.ToolCallEnd{ID: "tc_1"}
	stream <- core.StreamDone{StopReason: "tool_use", Usage: &core.Usage{InputTokens: 10}}
	close(stream)

	require.NoError(t, r.RunTurn(context.Background(), stream))

	events, err := s.Events(sess.ID, 0, 0)
	require.NoError(t, err)
	var result *store.Event
	for _, ev := range events {
		if ev.Type == store.EventToolResult {
			result = ev
		}
	}
	require.NotNil(t, result)
	var p toolResultPayload
	require.NoError(t, json.Unmarshal(result.Payload, &p))
	assert.True(t, p.IsError)
	assert.Equal(t, "permission denied", p.Content)
}

func TestArenaAcquireReleasesExclusively(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	arena := NewArena(s, nil)
	defer arena.Close()

	sc1, err := arena.Acquire(sess.ID, core.ProviderAnthropic)
	require.NoError(t, err)
	sc2, err := arena.Acquire(sess.ID, core.ProviderAnthropic)
	require.NoError(t, err)
	assert.Same(t, sc1, sc2)
	assert.Equal(t, []string{sess.ID}, arena.Active())

	arena.Release(sess.ID)
	assert.Nil(t, arena.Get(sess.ID))
	assert.Empty(t, arena.Active())
}

func TestSpawnBlockingSummarizesChild(t *testing.T) {
	s := newTestStore(t)
	parent := newTestSession(t, s)
	arena := NewArena(s, nil)
	defer arena.Close()

	parentCtx, err := arena.Acquire(parent.ID, core.ProviderAnthropic)
	require.NoError(t, err)
	_, err = parentCtx.RecordUserMessage(context.Background(), "do the thing")
	require.NoError(t, err)

	runner := ChildRunnerFunc(func(ctx context.Context, childID string, _ ToolPolicy) error {
		child, err := arena.Acquire(childID, core.ProviderAnthropic)
		if err != nil {
			return err
		}
		defer arena.Release(childID)
		if err := child.StartTurn(ctx, 1); err != nil {
			return err
		}
		child.Tracker().AppendText("the helper's final report")
		child.Tracker().SetResponseTokenUsage(core.Usage{InputTokens: 100})
		return child.EndTurn(ctx, "end_turn")
	})
	h := NewSpawnHandler(arena, runner, nil)

	res, err := h.Spawn(context.Background(), SpawnInput{
		ParentSessionID: parent.ID,
		Task:            "summarize the repo",
		Blocking:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, SubagentCompleted, res.Status)
	assert.Equal(t, "the helper's final report", res.Summary)

	// The child is attributed to the parent and its ancestry crosses into
	// the parent's chain.
	subs, err := s.Subagents(parent.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, res.ChildSessionID, subs[0].ID)

	history, err := s.History(res.ChildSessionID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, parent.ID, history[0].SessionID)
}

func TestSpawnParentNotActive(t *testing.T) {
	s := newTestStore(t)
	parent := newTestSession(t, s)
	arena := NewArena(s, nil)
	h := NewSpawnHandler(arena, nil, nil)

	_, err := h.Spawn(context.Background(), SpawnInput{
		ParentSessionID: parent.ID,
		Task:            "anything",
	})
	assert.ErrorIs(t, err, ErrParentNotFound)
}

func TestSpawnFireAndForget(t *testing.T) {
	s := newTestStore(t)
	parent := newTestSession(t, s)
	arena := NewArena(s, nil)
	defer arena.Close()

	parentCtx, err := arena.Acquire(parent.ID, core.ProviderAnthropic)
	require.NoError(t, err)
	_, err = parentCtx.RecordUserMessage(context.Background(), "kick it off")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	runner := ChildRunnerFunc(func(context.Context, string, ToolPolicy) error {
		defer wg.Done()
		return nil
	})
	h := NewSpawnHandler(arena, runner, nil)

	res, err := h.Spawn(context.Background(), SpawnInput{
		ParentSessionID: parent.ID,
		Task:            "background chore",
	})
	require.NoError(t, err)
	assert.Equal(t, SubagentRunning, res.Status)
	wg.Wait()

	status, err := parentCtx.Subagents().Wait(context.Background(), res.ChildSessionID)
	require.NoError(t, err)
	assert.Equal(t, SubagentCompleted, status)
}

func TestSpawnReportStatus(t *testing.T) {
	s := newTestStore(t)
	parent := newTestSession(t, s)
	arena := NewArena(s, nil)
	defer arena.Close()

	parentCtx, err := arena.Acquire(parent.ID, core.ProviderAnthropic)
	require.NoError(t, err)
	_, err = parentCtx.RecordUserMessage(context.Background(), "start")
	require.NoError(t, err)

	release := make(chan struct{})
	runner := ChildRunnerFunc(func(context.Context, string, ToolPolicy) error {
		<-release
		return nil
	})
	h := NewSpawnHandler(arena, runner, nil)

	res, err := h.Spawn(context.Background(), SpawnInput{
		ParentSessionID: parent.ID,
		Task:            "long chore",
	})
	require.NoError(t, err)

	require.NoError(t, h.ReportStatus(parent.ID, res.ChildSessionID, "halfway"))
	require.NoError(t, parentCtx.Persister().Flush(context.Background()))

	events, err := s.Events(parent.ID, 0, 0)
	require.NoError(t, err)
	var found bool
	for _, ev := range events {
		if ev.Type != store.EventSubagentStatusUpdate {
			continue
		}
		var p struct {
			ChildSessionID string `json:"childSessionId"`
			Detail         string `json:"detail"`
		}
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		assert.Equal(t, res.ChildSessionID, p.ChildSessionID)
		assert.Equal(t, "halfway", p.Detail)
		found = true
	}
	assert.True(t, found)

	status, ok := parentCtx.Subagents().Status(res.ChildSessionID)
	require.True(t, ok)
	assert.Equal(t, SubagentRunning, status)
	close(release)

	assert.ErrorIs(t, h.ReportStatus("sess_unknown", res.ChildSessionID, "x"),
		ErrParentNotFound)
}

func TestSwitchProviderUpdatesSessionModel(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	arena := NewArena(s, nil)
	defer arena.Close()

	sc, err := arena.Acquire(sess.ID, core.ProviderAnthropic)
	require.NoError(t, err)
	require.NoError(t, sc.SwitchProvider(core.ProviderOpenAI, "gpt-4o"))

	got, err := s.Session(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.True(t, sc.Tracker().TokenTracker().Provider().CumulativeContext())
}

func TestSpawnSurvivesParentRelease(t *testing.T) {
	s := newTestStore(t)
	parent := newTestSession(t, s)
	arena := NewArena(s, nil)
	defer arena.Close()

	parentCtx, err := arena.Acquire(parent.ID, core.ProviderAnthropic)
	require.NoError(t, err)
	_, err = parentCtx.RecordUserMessage(context.Background(), "kick it off")
	require.NoError(t, err)

	release := make(chan struct{})
	childDone := make(chan struct{})
	runner := ChildRunnerFunc(func(context.Context, string, ToolPolicy) error {
		defer close(childDone)
		<-release
		return nil
	})
	h := NewSpawnHandler(arena, runner, nil)

	res, err := h.Spawn(context.Background(), SpawnInput{
		ParentSessionID: parent.ID,
		Task:            "outlive the parent",
	})
	require.NoError(t, err)

	// The parent goes away while the child is still running. The child's
	// terminal status append must fail cleanly, not bring the process down.
	arena.Release(parent.ID)
	close(release)
	<-childDone

	status, err := parentCtx.Subagents().Wait(context.Background(), res.ChildSessionID)
	require.NoError(t, err)
	assert.Equal(t, SubagentCompleted, status)

	assert.ErrorIs(t, parentCtx.Persister().AppendAsync(store.EventSubagentCompleted,
		map[string]any{"childSessionId": res.ChildSessionID}), ErrPersisterClosed)
}

func TestToolPolicy(t *testing.T) {
	assert.False(t, DenyAllTools().Allows("read_file", nil))

	allow := AllowTools("read_file", "search")
	assert.True(t, allow.Allows("read_file", nil))
	assert.False(t, allow.Allows("bash", nil))

	patterned := ToolPolicy{
		Mode: PolicyAllowAll,
		DenyRules: []ArgumentRule{{
			ToolName: "bash",
			Pattern:  regexp.MustCompile(`rm\s+-rf`),
		}},
	}
	assert.True(t, patterned.Allows("bash", json.RawMessage(`{"cmd":"ls"}`)))
	assert.False(t, patterned.Allows("bash", json.RawMessage(`{"cmd":"rm -rf /"}`)))

	wrapped := DenyAllTools().Wrap(ToolExecutorFunc(
		func(context.Context, string, json.RawMessage) (string, error) {
			t.Fatal("executor must not run")
			return "", nil
		}))
	_, err := wrapped.Execute(context.Background(), "read_file", nil)
	assert.ErrorIs(t, err, ErrToolDenied)
}
