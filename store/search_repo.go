package store

import (
	"fmt"
	"strings"
)

// SearchRepo queries the events_fts full-text index. The index is derived
// state kept in sync by triggers; if it is unavailable, search degrades with
// ErrDegraded while event writes stay unaffected.
type SearchRepo struct{}

// NewSearchRepo returns a search repository.
func NewSearchRepo() *SearchRepo { return &SearchRepo{} }

// SearchFilter narrows a full-text query.
type SearchFilter struct {
	SessionID   string
	WorkspaceID string
	Types       []EventType
	Limit       int64
}

// Search runs a ranked full-text query over event content and tool names.
// Results are ordered best match first (bm25, lower is better) with a
// highlighted snippet per hit.
func (r *SearchRepo) Search(q dbtx, query string, f SearchFilter) ([]*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		where = []string{"events_fts MATCH ?"}
		args  = []any{ftsQuery(query)}
	)
	if f.SessionID != "" {
		where = append(where, "f.session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.WorkspaceID != "" {
		where = append(where, "e.workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if len(f.Types) > 0 {
		where = append(where, "f.type IN (?"+strings.Repeat(", ?", len(f.Types)-1)+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	args = append(args, limit)

	rows, err := q.Query(`
		SELECT f.id, f.session_id, f.type,
		       snippet(events_fts, 3, '[', ']', '…', 16),
		       bm25(events_fts),
		       e.timestamp
		FROM events_fts f
		JOIN events e ON e.id = f.id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY bm25(events_fts) ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("full-text search: %w: %w", err, ErrDegraded)
	}
	defer rows.Close()

	var results []*SearchResult
	for rows.Next() {
		var (
			res SearchResult
			typ string
		)
		if err := rows.Scan(&res.EventID, &res.SessionID, &typ, &res.Snippet,
			&res.Score, &res.Timestamp); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		res.Type = EventType(typ)
		results = append(results, &res)
	}
	return results, rows.Err()
}

// Rebuild drops and repopulates the full-text index from the events table,
// used when the index has drifted or been reported degraded.
func (r *SearchRepo) Rebuild(q dbtx) error {
	if _, err := q.Exec("DELETE FROM events_fts"); err != nil {
		return fmt.Errorf("clear fts index: %w", err)
	}
	_, err := q.Exec(`
		INSERT INTO events_fts (id, session_id, type, content, tool_name)
		SELECT id, session_id, type,
		       coalesce(json_extract(payload, '$.content'), ''),
		       coalesce(tool_name, '')
		FROM events`)
	if err != nil {
		return fmt.Errorf("rebuild fts index: %w", err)
	}
	return nil
}

// ftsQuery quotes each user term so punctuation cannot be parsed as fts5
// syntax. Terms are implicitly ANDed.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}
