package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// BranchRepo owns the branches table: named, movable positions inside one
// session's event tree.
type BranchRepo struct{}

// NewBranchRepo returns a branch repository.
func NewBranchRepo() *BranchRepo { return &BranchRepo{} }

const branchColumns = `id, session_id, name, description, root_event_id,
	head_event_id, is_default, created_at, last_activity_at`

// Create inserts a branch row.
func (r *BranchRepo) Create(q dbtx, b *Branch) error {
	_, err := q.Exec(`INSERT INTO branches (`+branchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		b.ID, b.SessionID, b.Name, b.Description, b.RootEventID, b.HeadEventID,
		boolInt(b.IsDefault))
	if err != nil {
		return fmt.Errorf("create branch %s: %w", b.ID, err)
	}
	return nil
}

// GetByID returns one branch, or ErrNotFound.
func (r *BranchRepo) GetByID(q dbtx, id string) (*Branch, error) {
	row := q.QueryRow("SELECT "+branchColumns+" FROM branches WHERE id = ?", id)
	b, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("branch", id)
	}
	return b, err
}

// ListBySession returns a session's branches, default branch first.
func (r *BranchRepo) ListBySession(q dbtx, sessionID string) ([]*Branch, error) {
	rows, err := q.Query(
		"SELECT "+branchColumns+` FROM branches
		 WHERE session_id = ? ORDER BY is_default DESC, created_at ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list branches for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var branches []*Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

// UpdateHead moves a branch head and refreshes last activity.
func (r *BranchRepo) UpdateHead(q dbtx, branchID, eventID string) error {
	res, err := q.Exec(
		`UPDATE branches SET head_event_id = ?, last_activity_at = datetime('now')
		 WHERE id = ?`, eventID, branchID)
	if err != nil {
		return fmt.Errorf("update branch head %s: %w", branchID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("branch", branchID)
	}
	return nil
}

// DeleteBySession removes all branch rows of one session.
func (r *BranchRepo) DeleteBySession(q dbtx, sessionID string) error {
	if _, err := q.Exec("DELETE FROM branches WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("delete branches for %s: %w", sessionID, err)
	}
	return nil
}

func scanBranch(row rowScanner) (*Branch, error) {
	var (
		b         Branch
		isDefault int64
	)
	err := row.Scan(
		&b.ID, &b.SessionID, &b.Name, &b.Description, &b.RootEventID,
		&b.HeadEventID, &isDefault, &b.CreatedAt, &b.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}
	b.IsDefault = isDefault != 0
	return &b, nil
}
