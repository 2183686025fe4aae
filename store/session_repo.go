package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SessionRepo owns the sessions table.
type SessionRepo struct{}

// NewSessionRepo returns a session repository.
func NewSessionRepo() *SessionRepo { return &SessionRepo{} }

const sessionColumns = `id, workspace_id, head_event_id, root_event_id, model,
	working_directory, title, event_count, turn_count, message_count,
	input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
	total_cost, is_archived, created_at, last_activity_at, ended_at,
	parent_session_id, spawn_type, spawn_task`

// Create inserts a new session row.
func (r *SessionRepo) Create(q dbtx, s *Session) error {
	_, err := q.Exec(`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.WorkspaceID, s.HeadEventID, s.RootEventID, s.Model,
		s.WorkingDirectory, s.Title, s.EventCount, s.TurnCount, s.MessageCount,
		s.InputTokens, s.OutputTokens, s.CacheReadTokens, s.CacheCreationTokens,
		s.TotalCost, boolInt(s.IsArchived), s.CreatedAt, s.LastActivityAt,
		s.EndedAt, s.ParentSessionID, s.SpawnType, s.SpawnTask,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", s.ID, err)
	}
	return nil
}

// GetByID returns one session, or ErrNotFound.
func (r *SessionRepo) GetByID(q dbtx, id string) (*Session, error) {
	row := q.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("session", id)
	}
	return s, err
}

// GetByIDs returns the sessions whose ids are present. Missing ids are
// skipped.
func (r *SessionRepo) GetByIDs(q dbtx, ids []string) ([]*Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return querySessions(q,
		"SELECT "+sessionColumns+" FROM sessions WHERE id IN (?"+
			strings.Repeat(", ?", len(ids)-1)+") ORDER BY last_activity_at DESC",
		args...)
}

// ListFilter narrows List. The zero value lists every non-archived session.
type ListFilter struct {
	WorkspaceID     string
	IncludeArchived bool
	Limit           int64
	Offset          int64
}

// List returns sessions most recently active first.
func (r *SessionRepo) List(q dbtx, f ListFilter) ([]*Session, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if !f.IncludeArchived {
		where = append(where, "is_archived = 0")
	}
	query := "SELECT " + sessionColumns + " FROM sessions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_activity_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)
	return querySessions(q, query, args...)
}

// ListSubagents returns the sessions spawned under the given parent session.
func (r *SessionRepo) ListSubagents(q dbtx, parentSessionID string) ([]*Session, error) {
	return querySessions(q,
		"SELECT "+sessionColumns+` FROM sessions
		 WHERE parent_session_id = ? AND coalesce(spawn_type, '') != ?
		 ORDER BY created_at ASC`,
		parentSessionID, SpawnTypeFork)
}

// UpdateHead moves a session's head ref and refreshes last activity.
func (r *SessionRepo) UpdateHead(q dbtx, sessionID, eventID string) error {
	return r.updateOne(q,
		`UPDATE sessions SET head_event_id = ?, last_activity_at = datetime('now')
		 WHERE id = ?`, sessionID, eventID, sessionID)
}

// UpdateRoot sets a session's root ref, written once on first append.
func (r *SessionRepo) UpdateRoot(q dbtx, sessionID, eventID string) error {
	return r.updateOne(q,
		"UPDATE sessions SET root_event_id = ? WHERE id = ?",
		sessionID, eventID, sessionID)
}

// UpdateModel records a model switch on the session row.
func (r *SessionRepo) UpdateModel(q dbtx, sessionID, model string) error {
	return r.updateOne(q,
		"UPDATE sessions SET model = ? WHERE id = ?", sessionID, model, sessionID)
}

// UpdateTitle sets or replaces the session title.
func (r *SessionRepo) UpdateTitle(q dbtx, sessionID, title string) error {
	return r.updateOne(q,
		"UPDATE sessions SET title = ? WHERE id = ?", sessionID, title, sessionID)
}

// SetArchived flips the archived flag.
func (r *SessionRepo) SetArchived(q dbtx, sessionID string, archived bool) error {
	return r.updateOne(q,
		"UPDATE sessions SET is_archived = ? WHERE id = ?",
		sessionID, boolInt(archived), sessionID)
}

// MarkEnded stamps ended_at. Idempotent: marking an ended session again keeps
// the original timestamp.
func (r *SessionRepo) MarkEnded(q dbtx, sessionID string) error {
	return r.updateOne(q,
		`UPDATE sessions SET ended_at = COALESCE(ended_at, datetime('now'))
		 WHERE id = ?`, sessionID, sessionID)
}

// ClearEnded reopens a session by clearing ended_at.
func (r *SessionRepo) ClearEnded(q dbtx, sessionID string) error {
	return r.updateOne(q,
		"UPDATE sessions SET ended_at = NULL WHERE id = ?", sessionID, sessionID)
}

// CounterDelta carries the increments applied to a session's denormalized
// counters on append.
type CounterDelta struct {
	Events              int64
	Turns               int64
	Messages            int64
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	Cost                float64
}

// IncrementCounters applies a counter delta and refreshes last activity.
func (r *SessionRepo) IncrementCounters(q dbtx, sessionID string, d CounterDelta) error {
	return r.updateOne(q, `
		UPDATE sessions SET
		  event_count           = event_count + ?,
		  turn_count            = turn_count + ?,
		  message_count         = message_count + ?,
		  input_tokens          = input_tokens + ?,
		  output_tokens         = output_tokens + ?,
		  cache_read_tokens     = cache_read_tokens + ?,
		  cache_creation_tokens = cache_creation_tokens + ?,
		  total_cost            = total_cost + ?,
		  last_activity_at      = datetime('now')
		WHERE id = ?`,
		sessionID,
		d.Events, d.Turns, d.Messages, d.InputTokens, d.OutputTokens,
		d.CacheReadTokens, d.CacheCreationTokens, d.Cost, sessionID)
}

// MessagePreviews returns the last user and assistant message content for each
// requested session, computed with one window query instead of per-session
// lookups.
func (r *SessionRepo) MessagePreviews(q dbtx, sessionIDs []string) (map[string]*MessagePreview, error) {
	if len(sessionIDs) == 0 {
		return map[string]*MessagePreview{}, nil
	}
	args := make([]any, 0, len(sessionIDs)+2)
	args = append(args, string(EventMessageUser), string(EventMessageAssistant))
	for _, id := range sessionIDs {
		args = append(args, id)
	}
	rows, err := q.Query(`
		SELECT session_id, type, COALESCE(json_extract(payload, '$.content'), '')
		FROM (
		  SELECT session_id, type, payload,
		         ROW_NUMBER() OVER (
		           PARTITION BY session_id, type ORDER BY sequence DESC
		         ) AS rn
		  FROM events
		  WHERE type IN (?, ?) AND session_id IN (?`+
		strings.Repeat(", ?", len(sessionIDs)-1)+`)
		) WHERE rn = 1`, args...)
	if err != nil {
		return nil, fmt.Errorf("message previews: %w", err)
	}
	defer rows.Close()

	previews := make(map[string]*MessagePreview, len(sessionIDs))
	for rows.Next() {
		var sessionID, typ, content string
		if err := rows.Scan(&sessionID, &typ, &content); err != nil {
			return nil, err
		}
		p := previews[sessionID]
		if p == nil {
			p = &MessagePreview{}
			previews[sessionID] = p
		}
		switch EventType(typ) {
		case EventMessageUser:
			p.LastUserMessage = content
		case EventMessageAssistant:
			p.LastAssistantMessage = content
		}
	}
	return previews, rows.Err()
}

// Delete removes the session row itself. Events must be removed first; the
// EventStore facade sequences the two inside one transaction.
func (r *SessionRepo) Delete(q dbtx, sessionID string) error {
	return r.updateOne(q, "DELETE FROM sessions WHERE id = ?", sessionID, sessionID)
}

func (r *SessionRepo) updateOne(q dbtx, query, sessionID string, args ...any) error {
	res, err := q.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("session", sessionID)
	}
	return nil
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s        Session
		archived int64
	)
	err := row.Scan(
		&s.ID, &s.WorkspaceID, &s.HeadEventID, &s.RootEventID, &s.Model,
		&s.WorkingDirectory, &s.Title, &s.EventCount, &s.TurnCount,
		&s.MessageCount, &s.InputTokens, &s.OutputTokens, &s.CacheReadTokens,
		&s.CacheCreationTokens, &s.TotalCost, &archived, &s.CreatedAt,
		&s.LastActivityAt, &s.EndedAt, &s.ParentSessionID, &s.SpawnType,
		&s.SpawnTask,
	)
	if err != nil {
		return nil, err
	}
	s.IsArchived = archived != 0
	return &s, nil
}

func querySessions(q dbtx, query string, args ...any) ([]*Session, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
