package repository

import (
	"context"
	"fmt"
	"time"
)

// Message is a persisted conversation message for a session.
type Message struct {
	ID         string    `db:"id" json:"id"`
	SessionID  string    `db:"session_id" json:"sessionId"`
	TaskID     string    `db:"task_id" json:"taskId,omitempty"`
	Type       string    `db:"type" json:"type"`
	Role       string    `db:"role" json:"role,omitempty"`
	Content    string    `db:"content" json:"content,omitempty"`
	ToolName   string    `db:"tool_name" json:"toolName,omitempty"`
	ToolInput  string    `db:"tool_input" json:"toolInput,omitempty"`
	ToolOutput string    `db:"tool_output" json:"toolOutput,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

const messageColumns = `id, session_id, task_id, type, role, content,
	tool_name, tool_input, tool_output, created_at`

// UpsertMessage inserts a message, replacing any prior row with the same id.
// The initial prompt uses a deterministic id so re-persisting it is a no-op.
func (r *Repository) UpsertMessage(ctx context.Context, m *Message) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO messages (`+messageColumns+`)
		VALUES (:id, :session_id, :task_id, :type, :role, :content,
			:tool_name, :tool_input, :tool_output, :created_at)`, m)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	return nil
}

// ListMessages returns a session's messages oldest first. When afterID is
// non-empty only messages persisted after that message are returned.
func (r *Repository) ListMessages(ctx context.Context, sessionID, afterID string, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if afterID != "" {
		query += ` AND rowid > (SELECT rowid FROM messages WHERE id = ? AND session_id = ?)`
		args = append(args, afterID, sessionID)
	}
	query += ` ORDER BY rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var messages []*Message
	if err := r.db.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// CountMessages returns how many messages a session has persisted.
func (r *Repository) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}
