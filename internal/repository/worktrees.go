package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// WorktreeRecord is the persisted state of a managed git worktree.
type WorktreeRecord struct {
	Path         string    `db:"path" json:"path"`
	RelativePath string    `db:"relative_path" json:"relativePath"`
	Branch       string    `db:"branch" json:"branch"`
	Head         string    `db:"head" json:"head,omitempty"`
	IsMain       bool      `db:"is_main" json:"isMain"`
	State        string    `db:"state" json:"state"`
	AgentName    string    `db:"agent_name" json:"agentName,omitempty"`
	TaskID       string    `db:"task_id" json:"taskId,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

const worktreeColumns = `path, relative_path, branch, head, is_main, state,
	agent_name, task_id, created_at`

// UpsertWorktree writes a worktree record keyed by absolute path.
func (r *Repository) UpsertWorktree(ctx context.Context, w *WorktreeRecord) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO worktrees (`+worktreeColumns+`)
		VALUES (:path, :relative_path, :branch, :head, :is_main, :state,
			:agent_name, :task_id, :created_at)
		ON CONFLICT(path) DO UPDATE SET
			relative_path = excluded.relative_path,
			branch = excluded.branch,
			head = excluded.head,
			is_main = excluded.is_main,
			state = excluded.state,
			agent_name = excluded.agent_name,
			task_id = excluded.task_id`, w)
	if err != nil {
		return fmt.Errorf("failed to upsert worktree: %w", err)
	}
	return nil
}

// GetWorktree fetches a worktree record by absolute path, or nil when the
// path is not tracked.
func (r *Repository) GetWorktree(ctx context.Context, path string) (*WorktreeRecord, error) {
	var w WorktreeRecord
	err := r.db.GetContext(ctx, &w, `SELECT `+worktreeColumns+` FROM worktrees WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}
	return &w, nil
}

// DeleteWorktree drops a worktree record.
func (r *Repository) DeleteWorktree(ctx context.Context, path string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM worktrees WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete worktree: %w", err)
	}
	return nil
}

// ListWorktrees returns all tracked worktrees, main repository first.
func (r *Repository) ListWorktrees(ctx context.Context) ([]*WorktreeRecord, error) {
	var worktrees []*WorktreeRecord
	err := r.db.SelectContext(ctx, &worktrees, `
		SELECT `+worktreeColumns+` FROM worktrees
		ORDER BY is_main DESC, created_at ASC, path ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	return worktrees, nil
}
