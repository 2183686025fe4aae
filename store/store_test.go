package store

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovekit/grove/core"
)

func newTestStore(t *testing.T) *EventStore {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func newTestSession(t *testing.T, s *EventStore) *Session {
	t.Helper()
	sess, err := s.CreateSession(CreateSessionInput{
		ID:               core.NewSessionID(),
		WorkspacePath:    "/tmp/project",
		Model:            "claude-sonnet-4",
		WorkingDirectory: "/tmp/project",
	})
	require.NoError(t, err)
	return sess
}

func appendMessage(t *testing.T, s *EventStore, sessionID string, typ EventType, content string) *Event {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"content": content})
	require.NoError(t, err)
	ev, err := s.Append(AppendInput{
		EventID:   core.NewEventID(),
		SessionID: sessionID,
		Type:      typ,
		Payload:   payload,
	})
	require.NoError(t, err)
	return ev
}

func TestMigrateIdempotent(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db))

	v, err := SchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, LatestSchemaVersion(), v)
}

func TestAppendAssignsSequenceAndParent(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)

	first := appendMessage(t, s, sess.ID, EventMessageUser, "hello")
	assert.Equal(t, int64(0), first.Sequence)
	assert.Nil(t, first.ParentID)
	assert.Equal(t, int64(0), first.Depth)

	second := appendMessage(t, s, sess.ID, EventMessageAssistant, "hi there")
	assert.Equal(t, int64(1), second.Sequence)
	require.NotNil(t, second.ParentID)
	assert.Equal(t, first.ID, *second.ParentID)
	assert.Equal(t, int64(1), second.Depth)

	got, err := s.Session(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.HeadEventID)
	assert.Equal(t, second.ID, *got.HeadEventID)
	require.NotNil(t, got.RootEventID)
	assert.Equal(t, first.ID, *got.RootEventID)
	assert.Equal(t, int64(2), got.EventCount)
	assert.Equal(t, int64(2), got.MessageCount)
}

func TestAppendRejectsUnknownType(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)

	_, err := s.Append(AppendInput{
		EventID:   core.NewEventID(),
		SessionID: sess.ID,
		Type:      EventType("bogus.type"),
		Payload:   json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, ErrConstraintViolation)
}

func TestAppendRejectsUnresolvedParent(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)

	missing := "evt_missing"
	_, err := s.Append(AppendInput{
		EventID:   core.NewEventID(),
		SessionID: sess.ID,
		Type:      EventMessageUser,
		Payload:   json.RawMessage(`{"content":"x"}`),
		ParentID:  &missing,
	})
	assert.ErrorIs(t, err, ErrConstraintViolation)
}

func TestAppendUnknownSession(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Append(AppendInput{
		EventID:   core.NewEventID(),
		SessionID: "sess_missing",
		Type:      EventMessageUser,
		Payload:   json.RawMessage(`{"content":"x"}`),
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExplicitParentBranches(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)

	root := appendMessage(t, s, sess.ID, EventMessageUser, "root")
	appendMessage(t, s, sess.ID, EventMessageAssistant, "first answer")

	// Branch from the root instead of the current head.
	payload := json.RawMessage(`{"content":"second answer"}`)
	branch, err := s.Append(AppendInput{
		EventID:   core.NewEventID(),
		SessionID: sess.ID,
		Type:      EventMessageAssistant,
		Payload:   payload,
		ParentID:  &root.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), branch.Sequence)
	assert.Equal(t, int64(1), branch.Depth)

	nodes, err := s.Tree(sess.ID)
	require.NoError(t, err)
	require.Contains(t, nodes, root.ID)
	assert.True(t, nodes[root.ID].BranchPoint)
	assert.Len(t, nodes[root.ID].Children, 2)
}

func TestTokenCountersFromPayload(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)

	payload := json.RawMessage(`{
		"content": "done",
		"tokenUsage": {
			"inputTokens": 500, "outputTokens": 120,
			"cacheReadTokens": 8000, "cacheCreationTokens": 0
		},
		"costUsd": 0.0123
	}`)
	ev, err := s.Append(AppendInput{
		EventID:   core.NewEventID(),
		SessionID: sess.ID,
		Type:      EventMessageAssistant,
		Payload:   payload,
	})
	require.NoError(t, err)
	require.NotNil(t, ev.InputTokens)
	assert.Equal(t, int64(500), *ev.InputTokens)

	got, err := s.Session(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.InputTokens)
	assert.Equal(t, int64(120), got.OutputTokens)
	assert.Equal(t, int64(8000), got.CacheReadTokens)
	assert.InDelta(t, 0.0123, got.TotalCost, 1e-9)

	usage, err := s.TokenUsage(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), usage.InputTokens)
	assert.Equal(t, int64(8000), usage.CacheReadTokens)
}

func TestForkSharesAncestry(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)

	appendMessage(t, s, sess.ID, EventMessageUser, "question")
	answer := appendMessage(t, s, sess.ID, EventMessageAssistant, "answer")

	forked, err := s.Fork(ForkInput{
		NewSessionID: core.NewSessionID(),
		SessionID:    sess.ID,
	})
	require.NoError(t, err)

	// The fork's history walks through the source session's events.
	history, err := s.History(forked.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, EventMessageUser, history[0].Type)
	assert.Equal(t, EventMessageAssistant, history[1].Type)
	assert.Equal(t, EventSessionFork, history[2].Type)
	assert.Equal(t, forked.ID, history[2].SessionID)
	require.NotNil(t, history[2].ParentID)
	assert.Equal(t, answer.ID, *history[2].ParentID)

	// The fork records its source but is not a subagent.
	require.NotNil(t, forked.ParentSessionID)
	assert.Equal(t, sess.ID, *forked.ParentSessionID)
	require.NotNil(t, forked.SpawnType)
	assert.Equal(t, SpawnTypeFork, *forked.SpawnType)
	subs, err := s.Subagents(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)

	// The source session's own event list is untouched.
	events, err := s.Events(sess.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestForkAtSpecificEvent(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)

	first := appendMessage(t, s, sess.ID, EventMessageUser, "first")
	appendMessage(t, s, sess.ID, EventMessageAssistant, "second")

	forked, err := s.Fork(ForkInput{
		NewSessionID: core.NewSessionID(),
		SessionID:    sess.ID,
		ForkEventID:  first.ID,
	})
	require.NoError(t, err)

	history, err := s.History(forked.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
}

func TestForkEmptySessionFails(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)

	_, err := s.Fork(ForkInput{
		NewSessionID: core.NewSessionID(),
		SessionID:    sess.ID,
	})
	assert.ErrorIs(t, err, ErrConstraintViolation)
}

func TestHistoryCrossesSessionBoundaries(t *testing.T) {
	s := newTestStore(t)
	parent := newTestSession(t, s)
	task := appendMessage(t, s, parent.ID, EventMessageUser, "spawn a helper")

	child, err := s.CreateSession(CreateSessionInput{
		ID:               core.NewSessionID(),
		WorkspacePath:    "/tmp/project",
		Model:            parent.Model,
		WorkingDirectory: "/tmp/project",
		ParentSessionID:  parent.ID,
		SpawnType:        SpawnTypeSubsession,
		SpawnTask:        "helper task",
	})
	require.NoError(t, err)

	// The child's first event parents onto the spawning event in the parent
	// session. Ancestry ignores session ids.
	_, err = s.Append(AppendInput{
		EventID:   core.NewEventID(),
		SessionID: child.ID,
		Type:      EventMessageUser,
		Payload:   json.RawMessage(`{"content":"helper task"}`),
		ParentID:  &task.ID,
	})
	require.NoError(t, err)

	history, err := s.History(child.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, parent.ID, history[0].SessionID)
	assert.Equal(t, child.ID, history[1].SessionID)

	subs, err := s.Subagents(parent.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, child.ID, subs[0].ID)
}

func TestEventsSince(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)

	appendMessage(t, s, sess.ID, EventMessageUser, "one")
	appendMessage(t, s, sess.ID, EventMessageAssistant, "two")
	third := appendMessage(t, s, sess.ID, EventMessageUser, "three")

	events, err := s.EventsSince(sess.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, third.ID, events[0].ID)
}

func TestEndSessionIdempotent(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	appendMessage(t, s, sess.ID, EventMessageUser, "hello")

	require.NoError(t, s.EndSession(sess.ID))
	require.NoError(t, s.EndSession(sess.ID))

	got, err := s.Session(sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Ended())

	// Exactly one terminal event despite the double call.
	events, err := s.Events(sess.ID, 0, 0)
	require.NoError(t, err)
	var ends int
	for _, ev := range events {
		if ev.Type == EventSessionEnd {
			ends++
		}
	}
	assert.Equal(t, 1, ends)

	require.NoError(t, s.ReopenSession(sess.ID))
	got, err = s.Session(sess.ID)
	require.NoError(t, err)
	assert.False(t, got.Ended())
}

func TestSearchRanksMatches(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)

	appendMessage(t, s, sess.ID, EventMessageUser, "how do I configure the database pool")
	appendMessage(t, s, sess.ID, EventMessageAssistant, "set the pool size in config")
	appendMessage(t, s, sess.ID, EventMessageUser, "unrelated question about parsing")

	results, err := s.Search("pool", SearchFilter{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, sess.ID, res.SessionID)
		assert.Contains(t, res.Snippet, "[pool]")
	}

	// Type filter narrows to assistant output only.
	results, err = s.Search("pool", SearchFilter{
		SessionID: sess.ID,
		Types:     []EventType{EventMessageAssistant},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, EventMessageAssistant, results[0].Type)
}

func TestSearchEmptyQuery(t *testing.T) {
	s := newTestStore(t)
	results, err := s.Search("   ", SearchFilter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDeleteSessionReleasesBlobs(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	s := New(db, func(o *Options) { o.BlobThreshold = 16 })

	sess := newTestSession(t, s)
	big := strings.Repeat("a", 64)
	_, err = s.Append(AppendInput{
		EventID:   core.NewEventID(),
		SessionID: sess.ID,
		Type:      EventMessageAssistant,
		Payload:   json.RawMessage(`{"content":"` + big + `"}`),
	})
	require.NoError(t, err)

	blobs := NewBlobRepo()
	count, _, err := blobs.Stats(db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, s.DeleteSession(sess.ID))

	count, _, err = blobs.Stats(db)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	_, err = s.Session(sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessionsAndPreviews(t *testing.T) {
	s := newTestStore(t)
	a := newTestSession(t, s)
	b := newTestSession(t, s)

	appendMessage(t, s, a.ID, EventMessageUser, "alpha question")
	appendMessage(t, s, a.ID, EventMessageAssistant, "alpha answer")
	appendMessage(t, s, b.ID, EventMessageUser, "beta question")

	sessions, err := s.Sessions(ListFilter{})
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	previews, err := s.SessionPreviews([]string{a.ID, b.ID})
	require.NoError(t, err)
	require.Contains(t, previews, a.ID)
	assert.Equal(t, "alpha question", previews[a.ID].LastUserMessage)
	assert.Equal(t, "alpha answer", previews[a.ID].LastAssistantMessage)
	require.Contains(t, previews, b.ID)
	assert.Equal(t, "beta question", previews[b.ID].LastUserMessage)
	assert.Empty(t, previews[b.ID].LastAssistantMessage)
}

func TestNextSequenceEmptySession(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)

	var next int64
	err := s.DB().QueryRow(
		"SELECT COALESCE(MAX(sequence) + 1, 0) FROM events WHERE session_id = ?",
		sess.ID).Scan(&next)
	require.NoError(t, err)
	assert.Equal(t, int64(0), next)
}

func TestChildrenAndDescendants(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)

	root := appendMessage(t, s, sess.ID, EventSessionStart, "")
	a := appendMessage(t, s, sess.ID, EventMessageUser, "question")
	b := appendMessage(t, s, sess.ID, EventMessageAssistant, "answer")

	children, err := s.Children(root.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, a.ID, children[0].ID)

	descendants, err := s.Descendants(root.ID)
	require.NoError(t, err)
	require.Len(t, descendants, 2)
	assert.Equal(t, a.ID, descendants[0].ID)
	assert.Equal(t, b.ID, descendants[1].ID)
}

func TestAncestorsLengthMatchesDepth(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)

	appendMessage(t, s, sess.ID, EventMessageUser, "one")
	appendMessage(t, s, sess.ID, EventMessageAssistant, "two")
	last := appendMessage(t, s, sess.ID, EventMessageUser, "three")

	ancestors, err := s.HistoryAt(last.ID)
	require.NoError(t, err)
	require.Len(t, ancestors, int(last.Depth)+1)
	assert.Equal(t, last.ID, ancestors[len(ancestors)-1].ID)
	for i := 1; i < len(ancestors); i++ {
		require.NotNil(t, ancestors[i].ParentID)
		assert.Equal(t, ancestors[i-1].ID, *ancestors[i].ParentID)
	}
}

func TestSessionMetadataUpdates(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	other := newTestSession(t, s)

	require.NoError(t, s.SetSessionModel(sess.ID, "claude-opus-4"))
	require.NoError(t, s.SetSessionTitle(sess.ID, "refactor plan"))
	require.NoError(t, s.SetSessionArchived(other.ID, true))

	got, err := s.SessionsByID([]string{sess.ID, other.ID, "sess_missing"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	byID := map[string]*Session{}
	for _, g := range got {
		byID[g.ID] = g
	}
	assert.Equal(t, "claude-opus-4", byID[sess.ID].Model)
	require.NotNil(t, byID[sess.ID].Title)
	assert.Equal(t, "refactor plan", *byID[sess.ID].Title)
	assert.True(t, byID[other.ID].IsArchived)

	// Archived sessions drop out of the default listing.
	listed, err := s.Sessions(ListFilter{})
	require.NoError(t, err)
	for _, l := range listed {
		assert.NotEqual(t, other.ID, l.ID)
	}

	assert.ErrorIs(t, s.SetSessionModel("sess_missing", "m"), ErrNotFound)
	assert.ErrorIs(t, s.SetSessionTitle("sess_missing", "t"), ErrNotFound)
	assert.ErrorIs(t, s.SetSessionArchived("sess_missing", true), ErrNotFound)
}

func TestWorkspaceEventScans(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	a := appendMessage(t, s, sess.ID, EventMessageUser, "one")
	b := appendMessage(t, s, sess.ID, EventMessageAssistant, "two")
	appendMessage(t, s, sess.ID, EventMessageUser, "three")

	// Lookup by id returns sequence order regardless of argument order.
	byID, err := s.EventsByID([]string{b.ID, a.ID, "evt_missing"})
	require.NoError(t, err)
	require.Len(t, byID, 2)
	assert.Equal(t, a.ID, byID[0].ID)
	assert.Equal(t, b.ID, byID[1].ID)

	users, err := s.WorkspaceEvents(sess.WorkspaceID, []EventType{EventMessageUser}, 10)
	require.NoError(t, err)
	require.Len(t, users, 2)
	for _, ev := range users {
		assert.Equal(t, EventMessageUser, ev.Type)
	}

	none, err := s.WorkspaceEvents(sess.WorkspaceID, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRebuildSearchIndex(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	appendMessage(t, s, sess.ID, EventMessageUser, "find the needle here")

	// Wreck the derived index, then rebuild it from the events table.
	_, err := s.DB().Exec("DELETE FROM events_fts")
	require.NoError(t, err)
	results, err := s.Search("needle", SearchFilter{})
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, s.RebuildSearchIndex())
	results, err = s.Search("needle", SearchFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestNamedBranchLifecycle(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	first := appendMessage(t, s, sess.ID, EventMessageUser, "question")
	second := appendMessage(t, s, sess.ID, EventMessageAssistant, "answer")

	main, err := s.CreateBranch(CreateBranchInput{
		SessionID: sess.ID,
		Name:      "main",
		IsDefault: true,
	})
	require.NoError(t, err)
	assert.Equal(t, second.ID, main.HeadEventID)
	assert.Equal(t, first.ID, main.RootEventID)
	assert.True(t, main.IsDefault)

	retry, err := s.CreateBranch(CreateBranchInput{
		SessionID:   sess.ID,
		Name:        "retry",
		Description: "second attempt from the question",
		HeadEventID: first.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, retry.HeadEventID)

	branches, err := s.NamedBranches(sess.ID)
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, "main", branches[0].Name)
	assert.Equal(t, "retry", branches[1].Name)

	require.NoError(t, s.MoveBranch(retry.ID, second.ID))
	branches, err = s.NamedBranches(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, branches[1].HeadEventID)

	// Moves to unknown events and moves of unknown branches both fail.
	assert.ErrorIs(t, s.MoveBranch(retry.ID, "evt_missing"), ErrNotFound)
	assert.ErrorIs(t, s.MoveBranch("br_missing", second.ID), ErrNotFound)

	// An empty session has no position to name.
	empty := newTestSession(t, s)
	_, err = s.CreateBranch(CreateBranchInput{SessionID: empty.ID, Name: "x"})
	assert.ErrorIs(t, err, ErrConstraintViolation)
}

func TestBranchesMainLineAndFork(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)

	root := appendMessage(t, s, sess.ID, EventMessageUser, "root")
	appendMessage(t, s, sess.ID, EventMessageAssistant, "main answer")
	main := appendMessage(t, s, sess.ID, EventMessageUser, "follow up")

	// A second child of root creates a fork line.
	forkHead, err := s.Append(AppendInput{
		EventID:   core.NewEventID(),
		SessionID: sess.ID,
		Type:      EventMessageAssistant,
		Payload:   json.RawMessage(`{"content":"alternate answer"}`),
		ParentID:  &root.ID,
	})
	require.NoError(t, err)

	lines, err := s.Branches(sess.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	assert.True(t, lines[0].Main)
	// Append moved the session head to the fork, so the "main" line is the
	// head's ancestry.
	assert.Equal(t, forkHead.ID, lines[0].HeadEventID)
	assert.False(t, lines[1].Main)
	assert.Equal(t, main.ID, lines[1].HeadEventID)
	assert.Contains(t, lines[1].EventIDs, main.ID)
}

func TestGetEventNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Event("evt_missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "evt_missing")
}
