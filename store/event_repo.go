package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// maxAncestryHops bounds recursive parent walks. A chain deeper than this is
// treated as corrupt rather than walked further.
const maxAncestryHops = 10000

// EventRepo owns the events table. It is stateless; every method takes the
// connection or transaction to run against.
type EventRepo struct{}

// NewEventRepo returns an event repository.
func NewEventRepo() *EventRepo { return &EventRepo{} }

// eventColumns is the canonical select list, kept in insert order.
const eventColumns = `id, session_id, parent_id, sequence, depth, type, timestamp,
	payload, content_blob_id, workspace_id, role, tool_name, tool_call_id, turn,
	input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, checksum`

// Insert writes one immutable event row. Sequence and depth must already be
// assigned by the caller (the EventStore append path). The denormalized
// role/tool/token columns are extracted from the payload here so the payload
// stays the single source of truth.
func (r *EventRepo) Insert(q dbtx, ev *Event) error {
	if !ev.Type.Valid() {
		return constraint("unknown event type %q", ev.Type)
	}
	if ev.ParentID != nil {
		var exists int
		err := q.QueryRow("SELECT 1 FROM events WHERE id = ?", *ev.ParentID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return constraint("parent event %s does not exist", *ev.ParentID)
		}
		if err != nil {
			return fmt.Errorf("resolve parent %s: %w", *ev.ParentID, err)
		}
	}

	derived := extractDerived(ev.Type, ev.Payload)
	ev.Role = derived.role
	ev.ToolName = derived.toolName
	ev.ToolCallID = derived.toolCallID
	ev.Turn = derived.turn
	ev.InputTokens = derived.inputTokens
	ev.OutputTokens = derived.outputTokens
	ev.CacheReadTokens = derived.cacheReadTokens
	ev.CacheCreationTokens = derived.cacheCreationTokens

	_, err := q.Exec(`INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.ParentID, ev.Sequence, ev.Depth, string(ev.Type),
		ev.Timestamp, string(ev.Payload), ev.ContentBlob, ev.WorkspaceID,
		ev.Role, ev.ToolName, ev.ToolCallID, ev.Turn,
		ev.InputTokens, ev.OutputTokens, ev.CacheReadTokens, ev.CacheCreationTokens,
		ev.Checksum,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: events.session_id") {
			return fmt.Errorf("duplicate sequence %d in session %s: %w",
				ev.Sequence, ev.SessionID, ErrConcurrencyViolation)
		}
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

// GetByID returns one event, or ErrNotFound.
func (r *EventRepo) GetByID(q dbtx, id string) (*Event, error) {
	row := q.QueryRow("SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("event", id)
	}
	return ev, err
}

// GetByIDs returns the events whose ids are present, in sequence order.
// Missing ids are silently skipped.
func (r *EventRepo) GetByIDs(q dbtx, ids []string) ([]*Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := "SELECT " + eventColumns + " FROM events WHERE id IN (?" +
		strings.Repeat(", ?", len(ids)-1) + ") ORDER BY sequence ASC"
	return queryEvents(q, query, args...)
}

// GetBySession returns a session's events in sequence order. A limit of 0
// means unbounded.
func (r *EventRepo) GetBySession(q dbtx, sessionID string, limit, offset int64) ([]*Event, error) {
	if limit <= 0 {
		limit = -1
	}
	return queryEvents(q,
		"SELECT "+eventColumns+` FROM events
		 WHERE session_id = ? ORDER BY sequence ASC LIMIT ? OFFSET ?`,
		sessionID, limit, offset)
}

// GetByTypes returns a session's events filtered to the given types, in
// sequence order.
func (r *EventRepo) GetByTypes(q dbtx, sessionID string, types []EventType) ([]*Event, error) {
	if len(types) == 0 {
		return nil, nil
	}
	args := []any{sessionID}
	for _, t := range types {
		args = append(args, string(t))
	}
	query := "SELECT " + eventColumns + ` FROM events
		WHERE session_id = ? AND type IN (?` + strings.Repeat(", ?", len(types)-1) + `)
		ORDER BY sequence ASC`
	return queryEvents(q, query, args...)
}

// GetByWorkspaceAndTypes returns events of the given types across all sessions
// of one workspace, newest first.
func (r *EventRepo) GetByWorkspaceAndTypes(q dbtx, workspaceID string, types []EventType, limit int64) ([]*Event, error) {
	if len(types) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = -1
	}
	args := []any{workspaceID}
	for _, t := range types {
		args = append(args, string(t))
	}
	args = append(args, limit)
	query := "SELECT " + eventColumns + ` FROM events
		WHERE workspace_id = ? AND type IN (?` + strings.Repeat(", ?", len(types)-1) + `)
		ORDER BY timestamp DESC LIMIT ?`
	return queryEvents(q, query, args...)
}

// GetSince returns a session's events with sequence strictly greater than
// afterSequence, in sequence order.
func (r *EventRepo) GetSince(q dbtx, sessionID string, afterSequence int64) ([]*Event, error) {
	return queryEvents(q,
		"SELECT "+eventColumns+` FROM events
		 WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionID, afterSequence)
}

// GetLatest returns the highest-sequence event of a session, or nil when the
// session has no events.
func (r *EventRepo) GetLatest(q dbtx, sessionID string) (*Event, error) {
	row := q.QueryRow(
		"SELECT "+eventColumns+` FROM events
		 WHERE session_id = ? ORDER BY sequence DESC LIMIT 1`, sessionID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

// NextSequence returns the sequence the next event of the session should use:
// 0 for an empty session, max+1 otherwise.
func (r *EventRepo) NextSequence(q dbtx, sessionID string) (int64, error) {
	var next int64
	err := q.QueryRow(
		"SELECT COALESCE(MAX(sequence) + 1, 0) FROM events WHERE session_id = ?",
		sessionID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next sequence for %s: %w", sessionID, err)
	}
	return next, nil
}

// Depth returns the depth the event with the given parent should carry:
// parent.depth + 1, or 0 for a root.
func (r *EventRepo) Depth(q dbtx, parentID *string) (int64, error) {
	if parentID == nil {
		return 0, nil
	}
	var depth int64
	err := q.QueryRow("SELECT depth FROM events WHERE id = ?", *parentID).Scan(&depth)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, constraint("parent event %s does not exist", *parentID)
	}
	if err != nil {
		return 0, fmt.Errorf("depth of parent %s: %w", *parentID, err)
	}
	return depth + 1, nil
}

// Ancestors walks the parent chain from the given event to its root, root
// first. The walk follows parent ids only; it deliberately crosses session
// boundaries. A chain longer than the traversal bound returns
// ErrCorruptAncestry.
func (r *EventRepo) Ancestors(q dbtx, eventID string) ([]*Event, error) {
	events, err := queryEvents(q, `
		WITH RECURSIVE chain(id, session_id, parent_id, sequence, depth, type,
		  timestamp, payload, content_blob_id, workspace_id, role, tool_name,
		  tool_call_id, turn, input_tokens, output_tokens, cache_read_tokens,
		  cache_creation_tokens, checksum, lvl) AS (
		    SELECT `+eventColumns+`, 0 FROM events WHERE id = ?
		    UNION ALL
		    SELECT `+prefixedEventColumns("e")+`, chain.lvl + 1
		    FROM events e JOIN chain ON e.id = chain.parent_id
		    WHERE chain.lvl < ?
		)
		SELECT `+prefixedEventColumns("chain")+` FROM chain ORDER BY lvl DESC`,
		eventID, maxAncestryHops)
	if err != nil {
		return nil, err
	}
	if len(events) > maxAncestryHops {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrCorruptAncestry)
	}
	if len(events) == 0 {
		return nil, notFound("event", eventID)
	}
	return events, nil
}

// Children returns the direct children of an event across all sessions, in
// sequence order.
func (r *EventRepo) Children(q dbtx, eventID string) ([]*Event, error) {
	return queryEvents(q,
		"SELECT "+eventColumns+" FROM events WHERE parent_id = ? ORDER BY sequence ASC",
		eventID)
}

// Descendants returns the full subtree under an event (the event excluded),
// breadth ordered. The walk is bounded like Ancestors.
func (r *EventRepo) Descendants(q dbtx, eventID string) ([]*Event, error) {
	events, err := queryEvents(q, `
		WITH RECURSIVE subtree(id, session_id, parent_id, sequence, depth, type,
		  timestamp, payload, content_blob_id, workspace_id, role, tool_name,
		  tool_call_id, turn, input_tokens, output_tokens, cache_read_tokens,
		  cache_creation_tokens, checksum, lvl) AS (
		    SELECT `+prefixedEventColumns("e")+`, 1
		    FROM events e WHERE e.parent_id = ?
		    UNION ALL
		    SELECT `+prefixedEventColumns("e")+`, subtree.lvl + 1
		    FROM events e JOIN subtree ON e.parent_id = subtree.id
		    WHERE subtree.lvl < ?
		)
		SELECT `+prefixedEventColumns("subtree")+` FROM subtree
		ORDER BY lvl ASC, sequence ASC`,
		eventID, maxAncestryHops)
	if err != nil {
		return nil, err
	}
	if len(events) >= maxAncestryHops {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrCorruptAncestry)
	}
	return events, nil
}

// CountBySession returns the number of events in a session.
func (r *EventRepo) CountBySession(q dbtx, sessionID string) (int64, error) {
	var n int64
	err := q.QueryRow("SELECT COUNT(*) FROM events WHERE session_id = ?", sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events for %s: %w", sessionID, err)
	}
	return n, nil
}

// DeleteBySession removes all of a session's events and returns the ids of
// the content blobs they referenced, so the caller can release references.
func (r *EventRepo) DeleteBySession(q dbtx, sessionID string) ([]string, error) {
	rows, err := q.Query(
		"SELECT content_blob_id FROM events WHERE session_id = ? AND content_blob_id IS NOT NULL",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("collect blob refs for %s: %w", sessionID, err)
	}
	defer rows.Close()
	var blobIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		blobIDs = append(blobIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := q.Exec("DELETE FROM events WHERE session_id = ?", sessionID); err != nil {
		return nil, fmt.Errorf("delete events for %s: %w", sessionID, err)
	}
	return blobIDs, nil
}

// TokenUsage aggregates a session's persisted token columns.
type TokenUsage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
}

// TokenUsageSummary sums the denormalized token columns over a session's
// assistant messages.
func (r *EventRepo) TokenUsageSummary(q dbtx, sessionID string) (*TokenUsage, error) {
	var u TokenUsage
	err := q.QueryRow(`
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cache_read_tokens), 0), COALESCE(SUM(cache_creation_tokens), 0)
		FROM events WHERE session_id = ? AND type = ?`,
		sessionID, string(EventMessageAssistant),
	).Scan(&u.InputTokens, &u.OutputTokens, &u.CacheReadTokens, &u.CacheCreationTokens)
	if err != nil {
		return nil, fmt.Errorf("token usage for %s: %w", sessionID, err)
	}
	return &u, nil
}

// prefixedEventColumns returns eventColumns with every column qualified by the
// given table alias, for use inside recursive CTEs.
func prefixedEventColumns(alias string) string {
	cols := strings.Split(eventColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev      Event
		typ     string
		payload string
	)
	err := row.Scan(
		&ev.ID, &ev.SessionID, &ev.ParentID, &ev.Sequence, &ev.Depth, &typ,
		&ev.Timestamp, &payload, &ev.ContentBlob, &ev.WorkspaceID,
		&ev.Role, &ev.ToolName, &ev.ToolCallID, &ev.Turn,
		&ev.InputTokens, &ev.OutputTokens, &ev.CacheReadTokens,
		&ev.CacheCreationTokens, &ev.Checksum,
	)
	if err != nil {
		return nil, err
	}
	ev.Type = EventType(typ)
	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}

func queryEvents(q dbtx, query string, args ...any) ([]*Event, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// derivedColumns holds the payload fields denormalized into index columns.
type derivedColumns struct {
	role                *string
	toolName            *string
	toolCallID          *string
	turn                *int64
	inputTokens         *int64
	outputTokens        *int64
	cacheReadTokens     *int64
	cacheCreationTokens *int64
}

// extractDerived pulls the indexable payload fields for one event type. The
// payload stays authoritative; these columns only exist for query speed.
func extractDerived(t EventType, payload json.RawMessage) derivedColumns {
	var d derivedColumns

	switch t {
	case EventMessageUser:
		d.role = strPtr("user")
	case EventMessageAssistant:
		d.role = strPtr("assistant")
	case EventMessageSystem:
		d.role = strPtr("system")
	}

	if len(payload) == 0 {
		return d
	}

	var p struct {
		ToolName   string `json:"toolName"`
		ToolCallID string `json:"toolCallId"`
		Turn       *int64 `json:"turn"`
		TokenUsage *struct {
			InputTokens         int64 `json:"inputTokens"`
			OutputTokens        int64 `json:"outputTokens"`
			CacheReadTokens     int64 `json:"cacheReadTokens"`
			CacheCreationTokens int64 `json:"cacheCreationTokens"`
		} `json:"tokenUsage"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return d
	}

	if p.ToolName != "" {
		d.toolName = &p.ToolName
	}
	if p.ToolCallID != "" {
		d.toolCallID = &p.ToolCallID
	}
	d.turn = p.Turn
	if p.TokenUsage != nil {
		d.inputTokens = &p.TokenUsage.InputTokens
		d.outputTokens = &p.TokenUsage.OutputTokens
		d.cacheReadTokens = &p.TokenUsage.CacheReadTokens
		d.cacheCreationTokens = &p.TokenUsage.CacheCreationTokens
	}
	return d
}

func strPtr(s string) *string { return &s }
