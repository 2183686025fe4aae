package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// WorkspaceRepo owns the workspaces table, keyed by filesystem path.
type WorkspaceRepo struct{}

// NewWorkspaceRepo returns a workspace repository.
func NewWorkspaceRepo() *WorkspaceRepo { return &WorkspaceRepo{} }

const workspaceColumns = "id, path, name, created_at, last_activity_at"

// GetOrCreate returns the workspace for a path, creating it with the given id
// on first sight.
func (r *WorkspaceRepo) GetOrCreate(q dbtx, id, path string) (*Workspace, error) {
	ws, err := r.GetByPath(q, path)
	if err == nil {
		return ws, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	_, err = q.Exec(`INSERT INTO workspaces (`+workspaceColumns+`)
		VALUES (?, ?, NULL, datetime('now'), datetime('now'))`, id, path)
	if err != nil {
		return nil, fmt.Errorf("create workspace for %s: %w", path, err)
	}
	return r.GetByPath(q, path)
}

// GetByID returns one workspace, or ErrNotFound.
func (r *WorkspaceRepo) GetByID(q dbtx, id string) (*Workspace, error) {
	row := q.QueryRow("SELECT "+workspaceColumns+" FROM workspaces WHERE id = ?", id)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workspace", id)
	}
	return ws, err
}

// GetByPath returns the workspace registered for a path, or ErrNotFound.
func (r *WorkspaceRepo) GetByPath(q dbtx, path string) (*Workspace, error) {
	row := q.QueryRow("SELECT "+workspaceColumns+" FROM workspaces WHERE path = ?", path)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workspace", path)
	}
	return ws, err
}

// List returns every workspace, most recently active first.
func (r *WorkspaceRepo) List(q dbtx) ([]*Workspace, error) {
	rows, err := q.Query(
		"SELECT " + workspaceColumns + " FROM workspaces ORDER BY last_activity_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

// Touch refreshes a workspace's last activity timestamp.
func (r *WorkspaceRepo) Touch(q dbtx, id string) error {
	if _, err := q.Exec(
		"UPDATE workspaces SET last_activity_at = datetime('now') WHERE id = ?", id,
	); err != nil {
		return fmt.Errorf("touch workspace %s: %w", id, err)
	}
	return nil
}

func scanWorkspace(row rowScanner) (*Workspace, error) {
	var ws Workspace
	err := row.Scan(&ws.ID, &ws.Path, &ws.Name, &ws.CreatedAt, &ws.LastActivityAt)
	if err != nil {
		return nil, err
	}
	return &ws, nil
}
