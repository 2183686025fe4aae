package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/grovekit/grove/logging"
)

// Options configures an EventStore.
type Options struct {
	// Logger receives structured store diagnostics. Defaults to no-op.
	Logger logging.Logger

	// VectorDimensions is the embedding length enforced by the vector index.
	VectorDimensions int

	// BlobThreshold is the payload content size in bytes above which content
	// is externalized into the blob store. Zero keeps everything inline.
	BlobThreshold int
}

// EventStore composes the repositories into the atomic multi-table operations
// of the persistence core: append, fork, history reads, tree reads, search.
// All writes to one session must come from a single goroutine; the runner's
// persister provides that discipline.
type EventStore struct {
	db     *sql.DB
	logger logging.Logger

	events     *EventRepo
	sessions   *SessionRepo
	branches   *BranchRepo
	blobs      *BlobRepo
	workspaces *WorkspaceRepo
	search     *SearchRepo
	vectors    *VectorRepo

	blobThreshold int
}

// New wraps an open database in an EventStore.
func New(db *sql.DB, optFns ...func(o *Options)) *EventStore {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &EventStore{
		db:            db,
		logger:        opts.Logger,
		events:        NewEventRepo(),
		sessions:      NewSessionRepo(),
		branches:      NewBranchRepo(),
		blobs:         NewBlobRepo(),
		workspaces:    NewWorkspaceRepo(),
		search:        NewSearchRepo(),
		vectors:       NewVectorRepo(opts.VectorDimensions),
		blobThreshold: opts.BlobThreshold,
	}
}

// DB exposes the underlying connection for callers that need raw access,
// such as the CLI's diagnostics commands.
func (s *EventStore) DB() *sql.DB { return s.db }

// CreateSessionInput describes a new session.
type CreateSessionInput struct {
	ID               string
	WorkspacePath    string
	Model            string
	WorkingDirectory string
	Title            string

	// Subagent linkage, empty for top-level sessions.
	ParentSessionID string
	SpawnType       string
	SpawnTask       string
}

// CreateSession registers a session under the workspace for the given path,
// creating the workspace on first sight.
func (s *EventStore) CreateSession(in CreateSessionInput) (*Session, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin create session: %w", err)
	}
	defer tx.Rollback()

	ws, err := s.workspaces.GetOrCreate(tx, newWorkspaceID(), in.WorkspacePath)
	if err != nil {
		return nil, err
	}

	now := timestamp()
	sess := &Session{
		ID:               in.ID,
		WorkspaceID:      ws.ID,
		Model:            in.Model,
		WorkingDirectory: in.WorkingDirectory,
		CreatedAt:        now,
		LastActivityAt:   now,
	}
	if in.Title != "" {
		sess.Title = &in.Title
	}
	if in.ParentSessionID != "" {
		sess.ParentSessionID = &in.ParentSessionID
		sess.SpawnType = &in.SpawnType
		sess.SpawnTask = &in.SpawnTask
	}
	if err := s.sessions.Create(tx, sess); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create session: %w", err)
	}

	s.logger.Info("session created", "sessionId", sess.ID, "workspace", ws.Path)
	return sess, nil
}

// AppendInput describes one event to append.
type AppendInput struct {
	EventID   string
	SessionID string
	Type      EventType
	Payload   json.RawMessage

	// ParentID overrides the session head as the new event's parent. Used by
	// the persister to thread parentage locally instead of re-reading head,
	// and by branch-from-history appends.
	ParentID *string
}

// Append atomically persists one event: parent resolution, sequence and depth
// assignment, optional content externalization, head/root ref movement, and
// counter increments all commit or roll back together.
func (s *EventStore) Append(in AppendInput) (*Event, error) {
	if !in.Type.Valid() {
		return nil, constraint("unknown event type %q", in.Type)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	sess, err := s.sessions.GetByID(tx, in.SessionID)
	if err != nil {
		return nil, err
	}

	parentID := in.ParentID
	if parentID == nil {
		parentID = sess.HeadEventID
	}

	sequence, err := s.events.NextSequence(tx, in.SessionID)
	if err != nil {
		return nil, err
	}
	depth, err := s.events.Depth(tx, parentID)
	if err != nil {
		return nil, err
	}

	payload, blobID, err := s.externalizeContent(tx, in.Payload)
	if err != nil {
		return nil, err
	}

	ev := &Event{
		ID:          in.EventID,
		SessionID:   in.SessionID,
		ParentID:    parentID,
		Sequence:    sequence,
		Depth:       depth,
		Type:        in.Type,
		Timestamp:   timestamp(),
		Payload:     payload,
		ContentBlob: blobID,
		WorkspaceID: sess.WorkspaceID,
	}
	if err := s.events.Insert(tx, ev); err != nil {
		return nil, err
	}

	if sess.RootEventID == nil {
		if err := s.sessions.UpdateRoot(tx, in.SessionID, ev.ID); err != nil {
			return nil, err
		}
	}
	if err := s.sessions.UpdateHead(tx, in.SessionID, ev.ID); err != nil {
		return nil, err
	}
	if err := s.sessions.IncrementCounters(tx, in.SessionID, counterDelta(ev)); err != nil {
		return nil, err
	}
	if err := s.workspaces.Touch(tx, sess.WorkspaceID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return ev, nil
}

// counterDelta maps one event to the session counter increments it implies.
func counterDelta(ev *Event) CounterDelta {
	d := CounterDelta{Events: 1}
	switch ev.Type {
	case EventMessageUser, EventMessageAssistant, EventMessageSystem:
		d.Messages = 1
	case EventStreamTurnStart:
		d.Turns = 1
	}
	if ev.InputTokens != nil {
		d.InputTokens = *ev.InputTokens
	}
	if ev.OutputTokens != nil {
		d.OutputTokens = *ev.OutputTokens
	}
	if ev.CacheReadTokens != nil {
		d.CacheReadTokens = *ev.CacheReadTokens
	}
	if ev.CacheCreationTokens != nil {
		d.CacheCreationTokens = *ev.CacheCreationTokens
	}
	var p struct {
		CostUSD float64 `json:"costUsd"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err == nil {
		d.Cost = p.CostUSD
	}
	return d
}

// externalizeContent moves oversized payload content into the blob store,
// replacing it with a reference marker. Small payloads pass through untouched.
func (s *EventStore) externalizeContent(q dbtx, payload json.RawMessage) (json.RawMessage, *string, error) {
	if s.blobThreshold <= 0 || len(payload) == 0 {
		return payload, nil, nil
	}
	var p map[string]json.RawMessage
	if err := json.Unmarshal(payload, &p); err != nil {
		return payload, nil, nil
	}
	content, ok := p["content"]
	if !ok || len(content) <= s.blobThreshold {
		return payload, nil, nil
	}

	blobID, err := s.blobs.Store(q, newBlobID(), content, "application/json")
	if err != nil {
		return nil, nil, err
	}
	ref, _ := json.Marshal(map[string]string{"blobRef": blobID})
	p["content"] = ref
	rewritten, err := json.Marshal(p)
	if err != nil {
		return nil, nil, fmt.Errorf("rewrite externalized payload: %w", err)
	}
	return rewritten, &blobID, nil
}

// ForkInput describes a session fork.
type ForkInput struct {
	NewSessionID string
	ForkEventID  string
	SessionID    string
	Title        string
}

// Fork creates a new session whose first event is a session.fork child of the
// fork point. If ForkEventID is empty the source session's head is used. The
// forked session shares all ancestry up to the fork point; history before the
// fork is reachable through the parent chain, never copied.
func (s *EventStore) Fork(in ForkInput) (*Session, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin fork: %w", err)
	}
	defer tx.Rollback()

	src, err := s.sessions.GetByID(tx, in.SessionID)
	if err != nil {
		return nil, err
	}

	forkPoint := in.ForkEventID
	if forkPoint == "" {
		if src.HeadEventID == nil {
			return nil, constraint("cannot fork session %s with no events", in.SessionID)
		}
		forkPoint = *src.HeadEventID
	}
	forkEvent, err := s.events.GetByID(tx, forkPoint)
	if err != nil {
		return nil, err
	}

	now := timestamp()
	spawnType := SpawnTypeFork
	forked := &Session{
		ID:               in.NewSessionID,
		WorkspaceID:      src.WorkspaceID,
		Model:            src.Model,
		WorkingDirectory: src.WorkingDirectory,
		CreatedAt:        now,
		LastActivityAt:   now,
		ParentSessionID:  &in.SessionID,
		SpawnType:        &spawnType,
	}
	if in.Title != "" {
		forked.Title = &in.Title
	}
	if err := s.sessions.Create(tx, forked); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{
		"forkedFrom":  in.SessionID,
		"forkPointId": forkEvent.ID,
	})
	marker := &Event{
		ID:          newEventID(),
		SessionID:   in.NewSessionID,
		ParentID:    &forkEvent.ID,
		Sequence:    0,
		Depth:       forkEvent.Depth + 1,
		Type:        EventSessionFork,
		Timestamp:   now,
		Payload:     payload,
		WorkspaceID: src.WorkspaceID,
	}
	if err := s.events.Insert(tx, marker); err != nil {
		return nil, err
	}
	if err := s.sessions.UpdateRoot(tx, in.NewSessionID, marker.ID); err != nil {
		return nil, err
	}
	if err := s.sessions.UpdateHead(tx, in.NewSessionID, marker.ID); err != nil {
		return nil, err
	}
	if err := s.sessions.IncrementCounters(tx, in.NewSessionID, CounterDelta{Events: 1}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fork: %w", err)
	}

	s.logger.Info("session forked",
		"sessionId", in.SessionID, "newSessionId", in.NewSessionID,
		"forkPoint", forkEvent.ID)
	return forked, nil
}

// Session returns one session row.
func (s *EventStore) Session(id string) (*Session, error) {
	return s.sessions.GetByID(s.db, id)
}

// Sessions lists session rows per the filter.
func (s *EventStore) Sessions(f ListFilter) ([]*Session, error) {
	return s.sessions.List(s.db, f)
}

// SessionPreviews returns the last user and assistant message per session.
func (s *EventStore) SessionPreviews(sessionIDs []string) (map[string]*MessagePreview, error) {
	return s.sessions.MessagePreviews(s.db, sessionIDs)
}

// SessionsByID returns the sessions whose ids exist, most recently active
// first. Unknown ids are silently absent.
func (s *EventStore) SessionsByID(ids []string) ([]*Session, error) {
	return s.sessions.GetByIDs(s.db, ids)
}

// SetSessionModel records a model switch on the session row.
func (s *EventStore) SetSessionModel(sessionID, model string) error {
	return s.sessions.UpdateModel(s.db, sessionID, model)
}

// SetSessionTitle sets or replaces a session's display title.
func (s *EventStore) SetSessionTitle(sessionID, title string) error {
	return s.sessions.UpdateTitle(s.db, sessionID, title)
}

// SetSessionArchived flips a session's archived flag. Archived sessions drop
// out of default listings but keep their history.
func (s *EventStore) SetSessionArchived(sessionID string, archived bool) error {
	return s.sessions.SetArchived(s.db, sessionID, archived)
}

// Subagents lists the sessions spawned under a parent session.
func (s *EventStore) Subagents(parentSessionID string) ([]*Session, error) {
	return s.sessions.ListSubagents(s.db, parentSessionID)
}

// Events returns a session's own events in sequence order.
func (s *EventStore) Events(sessionID string, limit, offset int64) ([]*Event, error) {
	return s.events.GetBySession(s.db, sessionID, limit, offset)
}

// EventsSince returns a session's events appended after the given sequence,
// used by live consumers catching up.
func (s *EventStore) EventsSince(sessionID string, afterSequence int64) ([]*Event, error) {
	return s.events.GetSince(s.db, sessionID, afterSequence)
}

// Event returns one event row.
func (s *EventStore) Event(id string) (*Event, error) {
	return s.events.GetByID(s.db, id)
}

// EventsByID returns the events whose ids exist, in sequence order. Unknown
// ids are silently absent.
func (s *EventStore) EventsByID(ids []string) ([]*Event, error) {
	return s.events.GetByIDs(s.db, ids)
}

// WorkspaceEvents returns recent events of the given types across every
// session of one workspace, newest first. Used for memory recall scans.
func (s *EventStore) WorkspaceEvents(workspaceID string, types []EventType, limit int64) ([]*Event, error) {
	return s.events.GetByWorkspaceAndTypes(s.db, workspaceID, types, limit)
}

// History reconstructs the full conversation leading to a session's head by
// walking the parent chain, root first. Because parentage crosses session
// boundaries, the result includes ancestor events from parent sessions and
// fork sources.
func (s *EventStore) History(sessionID string) ([]*Event, error) {
	sess, err := s.sessions.GetByID(s.db, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.HeadEventID == nil {
		return nil, nil
	}
	return s.events.Ancestors(s.db, *sess.HeadEventID)
}

// HistoryAt reconstructs the conversation leading to an arbitrary event.
func (s *EventStore) HistoryAt(eventID string) ([]*Event, error) {
	return s.events.Ancestors(s.db, eventID)
}

// Children returns an event's direct children, crossing session boundaries.
func (s *EventStore) Children(eventID string) ([]*Event, error) {
	return s.events.Children(s.db, eventID)
}

// Descendants returns the full subtree under an event, ordered by distance
// then sequence.
func (s *EventStore) Descendants(eventID string) ([]*Event, error) {
	return s.events.Descendants(s.db, eventID)
}

// Tree returns a session's own events annotated with child ids and branch
// points. An event with more than one child is a branch point; branches are
// derived from the data, not stored.
func (s *EventStore) Tree(sessionID string) (map[string]*TreeNode, error) {
	events, err := s.events.GetBySession(s.db, sessionID, 0, 0)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*TreeNode, len(events))
	for _, ev := range events {
		nodes[ev.ID] = &TreeNode{Event: *ev}
	}
	for _, ev := range events {
		if ev.ParentID == nil {
			continue
		}
		parent, ok := nodes[*ev.ParentID]
		if !ok {
			continue
		}
		parent.Children = append(parent.Children, ev.ID)
	}
	for _, n := range nodes {
		n.BranchPoint = len(n.Children) > 1
	}
	return nodes, nil
}

// BranchLine is one linear run through a session's event tree: the main line
// from root to head, or a fork hanging off a branch point.
type BranchLine struct {
	Name        string
	HeadEventID string
	EventIDs    []string
	Main        bool
}

// Branches derives a session's linear history plus its forks from the event
// data. The main line is the ancestor path of the session head; every other
// leaf starts a fork traced back to where it left a claimed line.
func (s *EventStore) Branches(sessionID string) ([]BranchLine, error) {
	sess, err := s.sessions.GetByID(s.db, sessionID)
	if err != nil {
		return nil, err
	}
	nodes, err := s.Tree(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.HeadEventID == nil || len(nodes) == 0 {
		return nil, nil
	}

	// Walk the head's parent chain (within this session) to claim the main
	// line.
	claimed := make(map[string]bool, len(nodes))
	var mainLine []string
	for id := *sess.HeadEventID; ; {
		node, ok := nodes[id]
		if !ok {
			break
		}
		mainLine = append(mainLine, id)
		claimed[id] = true
		if node.Event.ParentID == nil {
			break
		}
		id = *node.Event.ParentID
	}
	reverseStrings(mainLine)
	lines := []BranchLine{{
		Name:        "main",
		HeadEventID: *sess.HeadEventID,
		EventIDs:    mainLine,
		Main:        true,
	}}

	// Every unclaimed leaf is the head of a fork; trace each back until it
	// rejoins a claimed line.
	var leaves []string
	for id, node := range nodes {
		if len(node.Children) == 0 && !claimed[id] {
			leaves = append(leaves, id)
		}
	}
	sort.Strings(leaves)
	for _, leaf := range leaves {
		var fork []string
		for id := leaf; ; {
			node, ok := nodes[id]
			if !ok || claimed[id] {
				break
			}
			fork = append(fork, id)
			claimed[id] = true
			if node.Event.ParentID == nil {
				break
			}
			id = *node.Event.ParentID
		}
		reverseStrings(fork)
		lines = append(lines, BranchLine{
			Name:        "fork-" + leaf,
			HeadEventID: leaf,
			EventIDs:    fork,
		})
	}
	return lines, nil
}

func reverseStrings(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// CreateBranchInput names a position in a session's event tree.
type CreateBranchInput struct {
	SessionID   string
	Name        string
	Description string

	// HeadEventID is the named position. Empty names the current session
	// head.
	HeadEventID string
	IsDefault   bool
}

// CreateBranch records a named, movable position in a session's tree, distinct
// from the derived lines Branches computes: named branches survive head
// movement and are what the tree view labels.
func (s *EventStore) CreateBranch(in CreateBranchInput) (*Branch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin create branch: %w", err)
	}
	defer tx.Rollback()

	sess, err := s.sessions.GetByID(tx, in.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.RootEventID == nil {
		return nil, constraint("cannot branch session %s with no events", in.SessionID)
	}
	head := in.HeadEventID
	if head == "" {
		head = *sess.HeadEventID
	}
	if _, err := s.events.GetByID(tx, head); err != nil {
		return nil, err
	}

	b := &Branch{
		ID:          newBranchID(),
		SessionID:   in.SessionID,
		Name:        in.Name,
		RootEventID: *sess.RootEventID,
		HeadEventID: head,
		IsDefault:   in.IsDefault,
	}
	if in.Description != "" {
		b.Description = &in.Description
	}
	if err := s.branches.Create(tx, b); err != nil {
		return nil, err
	}
	created, err := s.branches.GetByID(tx, b.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create branch: %w", err)
	}
	return created, nil
}

// NamedBranches lists a session's named branches, default branch first.
func (s *EventStore) NamedBranches(sessionID string) ([]*Branch, error) {
	return s.branches.ListBySession(s.db, sessionID)
}

// MoveBranch repoints a named branch at another existing event.
func (s *EventStore) MoveBranch(branchID, eventID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin move branch: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.events.GetByID(tx, eventID); err != nil {
		return err
	}
	if err := s.branches.UpdateHead(tx, branchID, eventID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit move branch: %w", err)
	}
	return nil
}

// EndSession marks a session ended and appends the terminal session.end
// event. Ending an already ended session is a no-op.
func (s *EventStore) EndSession(sessionID string) error {
	sess, err := s.sessions.GetByID(s.db, sessionID)
	if err != nil {
		return err
	}
	if sess.Ended() {
		return nil
	}
	payload, _ := json.Marshal(map[string]string{"reason": "ended"})
	if _, err := s.Append(AppendInput{
		EventID:   newEventID(),
		SessionID: sessionID,
		Type:      EventSessionEnd,
		Payload:   payload,
	}); err != nil {
		return err
	}
	return s.sessions.MarkEnded(s.db, sessionID)
}

// ReopenSession clears a session's ended marker so appends resume.
func (s *EventStore) ReopenSession(sessionID string) error {
	return s.sessions.ClearEnded(s.db, sessionID)
}

// DeleteSession removes a session, its events, its branches, and releases the
// blob references its events held, atomically.
func (s *EventStore) DeleteSession(sessionID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.sessions.GetByID(tx, sessionID); err != nil {
		return err
	}
	blobIDs, err := s.events.DeleteBySession(tx, sessionID)
	if err != nil {
		return err
	}
	for _, id := range blobIDs {
		if err := s.blobs.Release(tx, id); err != nil {
			return err
		}
	}
	if err := s.branches.DeleteBySession(tx, sessionID); err != nil {
		return err
	}
	if err := s.sessions.Delete(tx, sessionID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}

	s.logger.Info("session deleted", "sessionId", sessionID, "blobsReleased", len(blobIDs))
	return nil
}

// TokenUsage sums the persisted per-turn token columns of one session.
func (s *EventStore) TokenUsage(sessionID string) (*TokenUsage, error) {
	return s.events.TokenUsageSummary(s.db, sessionID)
}

// Search runs ranked full-text search over event content.
func (s *EventStore) Search(query string, f SearchFilter) ([]*SearchResult, error) {
	results, err := s.search.Search(s.db, query, f)
	if err != nil && errors.Is(err, ErrDegraded) {
		s.logger.Warn("full-text search degraded", "error", err)
	}
	return results, err
}

// Blob returns one stored blob.
func (s *EventStore) Blob(id string) (*Blob, error) {
	return s.blobs.Get(s.db, id)
}

// StoreBlob content-addresses and stores content, returning the blob id.
func (s *EventStore) StoreBlob(content []byte, mimeType string) (string, error) {
	return s.blobs.Store(s.db, newBlobID(), content, mimeType)
}

// ReleaseBlob drops one reference to a blob.
func (s *EventStore) ReleaseBlob(id string) error {
	return s.blobs.Release(s.db, id)
}

// CleanupBlobs physically removes blobs whose reference count reached zero
// and returns how many were deleted.
func (s *EventStore) CleanupBlobs() (int64, error) {
	return s.blobs.Cleanup(s.db)
}

// RebuildSearchIndex repopulates the full-text index from the events table,
// used when search has been reported degraded.
func (s *EventStore) RebuildSearchIndex() error {
	return s.search.Rebuild(s.db)
}

// StoreVector indexes an embedding for one event.
func (s *EventStore) StoreVector(eventID, workspaceID string, embedding []float32) error {
	err := s.vectors.Store(s.db, eventID, workspaceID, embedding)
	if err != nil && errors.Is(err, ErrDegraded) {
		s.logger.Warn("vector index degraded", "eventId", eventID, "error", err)
	}
	return err
}

// SearchVectors returns the k most similar indexed events.
func (s *EventStore) SearchVectors(query []float32, k int, f VectorFilter) ([]*VectorMatch, error) {
	return s.vectors.Search(s.db, query, k, f)
}

// Workspaces lists registered workspaces.
func (s *EventStore) Workspaces() ([]*Workspace, error) {
	return s.workspaces.List(s.db)
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
