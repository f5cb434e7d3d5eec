package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/elemental-sh/elemental/internal/element/models"
)

// TaskQueryFilter narrows ready/blocked task queries.
type TaskQueryFilter struct {
	Assignee string
	Priority int // 0 means any
	TaskType string
	IDs      []string // restrict to these ids (workflow progress); empty means all
	Limit    int
}

func (f *TaskQueryFilter) apply(clauses []string, args []any) ([]string, []any) {
	if f.Assignee != "" {
		clauses = append(clauses, "e.assignee = ?")
		args = append(args, f.Assignee)
	}
	if f.Priority > 0 {
		clauses = append(clauses, "e.priority = ?")
		args = append(args, f.Priority)
	}
	if f.TaskType != "" {
		clauses = append(clauses, "e.task_type = ?")
		args = append(args, f.TaskType)
	}
	if len(f.IDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.IDs)), ",")
		clauses = append(clauses, "e.id IN ("+placeholders+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	return clauses, args
}

// ReadyTasks returns tasks that are actionable now: status open or
// in_progress, absent from the blocked cache, and not scheduled in the
// future. Ordered by (priority asc, scheduled_for asc nulls first,
// created_at asc).
func (r *Repository) ReadyTasks(ctx context.Context, now time.Time, filter TaskQueryFilter) ([]*models.Element, error) {
	clauses := []string{
		"e.kind = 'task'",
		"e.deleted_at IS NULL",
		"e.status IN ('open', 'in_progress')",
		"NOT EXISTS (SELECT 1 FROM blocked_cache b WHERE b.element_id = e.id)",
		"(e.scheduled_for IS NULL OR e.scheduled_for <= ?)",
	}
	args := []any{now.UTC()}
	clauses, args = filter.apply(clauses, args)

	query := `SELECT ` + prefixedElementColumns() + ` FROM elements e
		WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY e.priority ASC, e.scheduled_for IS NOT NULL, e.scheduled_for ASC, e.created_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return r.queryElements(ctx, query, args...)
}

// BlockedTask pairs a task with its blocking cause.
type BlockedTask struct {
	Task      *models.Element `json:"task"`
	BlockedBy string          `json:"blockedBy"`
	Reason    string          `json:"reason"`
}

// BlockedTasks returns tasks that have status blocked or appear in the
// blocked cache, each with the cached cause when one exists.
func (r *Repository) BlockedTasks(ctx context.Context, filter TaskQueryFilter) ([]*BlockedTask, error) {
	clauses := []string{
		"e.kind = 'task'",
		"e.deleted_at IS NULL",
		"(e.status = 'blocked' OR b.element_id IS NOT NULL)",
	}
	var args []any
	clauses, args = filter.apply(clauses, args)

	query := `SELECT ` + prefixedElementColumns() + `,
			COALESCE(b.blocked_by, '') AS cache_blocked_by,
			COALESCE(b.reason, '') AS cache_reason
		FROM elements e
		LEFT JOIN blocked_cache b ON b.element_id = e.id
		WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY e.priority ASC, e.created_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	type blockedRow struct {
		elementRow
		CacheBlockedBy string `db:"cache_blocked_by"`
		CacheReason    string `db:"cache_reason"`
	}
	var rows []blockedRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query blocked tasks: %w", err)
	}
	out := make([]*BlockedTask, 0, len(rows))
	for i := range rows {
		el, err := rows[i].toElement()
		if err != nil {
			return nil, err
		}
		out = append(out, &BlockedTask{
			Task:      el,
			BlockedBy: rows[i].CacheBlockedBy,
			Reason:    rows[i].CacheReason,
		})
	}
	return out, nil
}

func prefixedElementColumns() string {
	cols := strings.Split(elementColumns, ",")
	for i, col := range cols {
		cols[i] = "e." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}
