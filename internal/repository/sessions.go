package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
)

// SessionRecord is the persisted state of an agent session.
type SessionRecord struct {
	ID              string     `db:"id" json:"id"`
	AgentID         string     `db:"agent_id" json:"agentId"`
	Mode            string     `db:"mode" json:"mode"`
	Status          string     `db:"status" json:"status"`
	ClaudeSessionID string     `db:"claude_session_id" json:"claudeSessionId,omitempty"`
	WorkingDir      string     `db:"working_dir" json:"workingDirectory"`
	WorktreePath    string     `db:"worktree_path" json:"worktreePath,omitempty"`
	PID             int        `db:"pid" json:"pid,omitempty"`
	ExitCode        *int       `db:"exit_code" json:"exitCode,omitempty"`
	ExitSignal      string     `db:"exit_signal" json:"exitSignal,omitempty"`
	InitialPrompt   string     `db:"initial_prompt" json:"initialPrompt,omitempty"`
	StartedAt       time.Time  `db:"started_at" json:"startedAt"`
	TerminatedAt    *time.Time `db:"terminated_at" json:"terminatedAt,omitempty"`
}

const sessionColumns = `id, agent_id, mode, status, claude_session_id,
	working_dir, worktree_path, pid, exit_code, exit_signal, initial_prompt,
	started_at, terminated_at`

// CreateSession inserts a new session record.
func (r *Repository) CreateSession(ctx context.Context, s *SessionRecord) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (:id, :agent_id, :mode, :status, :claude_session_id,
			:working_dir, :worktree_path, :pid, :exit_code, :exit_signal,
			:initial_prompt, :started_at, :terminated_at)`, s)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// UpdateSession persists the mutable fields of a session record.
func (r *Repository) UpdateSession(ctx context.Context, s *SessionRecord) error {
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE sessions SET
			status = :status, claude_session_id = :claude_session_id,
			pid = :pid, exit_code = :exit_code, exit_signal = :exit_signal,
			terminated_at = :terminated_at
		WHERE id = :id`, s)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("session", s.ID)
	}
	return nil
}

// GetSession fetches a session record by id.
func (r *Repository) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	var s SessionRecord
	err := r.db.GetContext(ctx, &s, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	AgentID  string
	Statuses []string
	Limit    int
}

// ListSessions returns sessions matching the filter, newest first.
func (r *Repository) ListSessions(ctx context.Context, filter SessionFilter) ([]*SessionRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Statuses)), ",")
		clauses = append(clauses, "status IN ("+placeholders+")")
		for _, s := range filter.Statuses {
			args = append(args, s)
		}
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY started_at DESC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	var sessions []*SessionRecord
	if err := r.db.SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// GetMostRecentResumableSession returns the newest terminated session for an
// agent that recorded a resumption cookie, or nil when none exists.
func (r *Repository) GetMostRecentResumableSession(ctx context.Context, agentID string) (*SessionRecord, error) {
	var s SessionRecord
	err := r.db.GetContext(ctx, &s, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE agent_id = ? AND claude_session_id != '' AND status = 'terminated'
		ORDER BY started_at DESC LIMIT 1`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resumable session: %w", err)
	}
	return &s, nil
}
