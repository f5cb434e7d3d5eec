package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
	"github.com/elemental-sh/elemental/internal/common/sqlite"
	"github.com/elemental-sh/elemental/internal/element/models"
)

// elementRow is the flat SQLite representation of an element.
type elementRow struct {
	ID                string     `db:"id"`
	Kind              string     `db:"kind"`
	Title             string     `db:"title"`
	Description       string     `db:"description"`
	Tags              string     `db:"tags"`
	Metadata          string     `db:"metadata"`
	Status            string     `db:"status"`
	Priority          int        `db:"priority"`
	Complexity        int        `db:"complexity"`
	TaskType          string     `db:"task_type"`
	Assignee          string     `db:"assignee"`
	Owner             string     `db:"owner"`
	ScheduledFor      *time.Time `db:"scheduled_for"`
	Deadline          *time.Time `db:"deadline"`
	CloseReason       string     `db:"close_reason"`
	Ephemeral         int        `db:"ephemeral"`
	PlaybookID        string     `db:"playbook_id"`
	Variables         string     `db:"variables"`
	StartedAt         *time.Time `db:"started_at"`
	FinishedAt        *time.Time `db:"finished_at"`
	FailureReason     string     `db:"failure_reason"`
	CancelReason      string     `db:"cancel_reason"`
	Name              string     `db:"name"`
	Steps             string     `db:"steps"`
	PlaybookVariables string     `db:"playbook_variables"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
	CreatedBy         string     `db:"created_by"`
	DeletedAt         *time.Time `db:"deleted_at"`
	Version           int64      `db:"version"`
}

const elementColumns = `id, kind, title, description, tags, metadata, status,
	priority, complexity, task_type, assignee, owner, scheduled_for, deadline,
	close_reason, ephemeral, playbook_id, variables, started_at, finished_at,
	failure_reason, cancel_reason, name, steps, playbook_variables,
	created_at, updated_at, created_by, deleted_at, version`

func marshalJSON(v any, empty string) string {
	if v == nil {
		return empty
	}
	data, err := json.Marshal(v)
	if err != nil {
		return empty
	}
	return string(data)
}

func rowFromElement(el *models.Element) (*elementRow, error) {
	row := &elementRow{
		ID:          el.ID,
		Kind:        string(el.Kind),
		Title:       el.Title,
		Description: el.Description,
		Tags:        marshalJSON(el.Tags, "[]"),
		Metadata:    marshalJSON(el.Metadata, "{}"),
		Status:      el.Status(),
		Variables:   "{}",
		Steps:       "[]",
		CreatedAt:   el.CreatedAt.UTC(),
		UpdatedAt:   el.UpdatedAt.UTC(),
		CreatedBy:   el.CreatedBy,
		DeletedAt:   el.DeletedAt,
		Version:     el.Version,
	}
	row.PlaybookVariables = "[]"
	if t := el.Task; t != nil {
		row.Priority = t.Priority
		row.Complexity = t.Complexity
		row.TaskType = string(t.TaskType)
		row.Assignee = t.Assignee
		row.Owner = t.Owner
		row.ScheduledFor = t.ScheduledFor
		row.Deadline = t.Deadline
		row.CloseReason = t.CloseReason
		row.Ephemeral = sqlite.BoolToInt(t.Ephemeral)
	}
	if w := el.Workflow; w != nil {
		row.Ephemeral = sqlite.BoolToInt(w.Ephemeral)
		row.PlaybookID = w.PlaybookID
		row.Variables = marshalJSON(w.Variables, "{}")
		row.StartedAt = w.StartedAt
		row.FinishedAt = w.FinishedAt
		row.FailureReason = w.FailureReason
		row.CancelReason = w.CancelReason
	}
	if p := el.Playbook; p != nil {
		row.Name = p.Name
		row.Steps = marshalJSON(p.Steps, "[]")
		row.PlaybookVariables = marshalJSON(p.Variables, "[]")
	}
	return row, nil
}

func (row *elementRow) toElement() (*models.Element, error) {
	el := &models.Element{
		ID:          row.ID,
		Kind:        models.Kind(row.Kind),
		Title:       row.Title,
		Description: row.Description,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		CreatedBy:   row.CreatedBy,
		DeletedAt:   row.DeletedAt,
		Version:     row.Version,
	}
	if row.Tags != "" && row.Tags != "[]" {
		if err := json.Unmarshal([]byte(row.Tags), &el.Tags); err != nil {
			return nil, fmt.Errorf("element %s: bad tags: %w", row.ID, err)
		}
	}
	if row.Metadata != "" && row.Metadata != "{}" {
		if err := json.Unmarshal([]byte(row.Metadata), &el.Metadata); err != nil {
			return nil, fmt.Errorf("element %s: bad metadata: %w", row.ID, err)
		}
	}
	switch el.Kind {
	case models.KindTask:
		status := models.TaskStatus(row.Status)
		if row.DeletedAt != nil {
			status = models.TaskTombstone
		}
		el.Task = &models.TaskFields{
			Status:       status,
			Priority:     row.Priority,
			Complexity:   row.Complexity,
			TaskType:     models.TaskType(row.TaskType),
			Assignee:     row.Assignee,
			Owner:        row.Owner,
			ScheduledFor: row.ScheduledFor,
			Deadline:     row.Deadline,
			CloseReason:  row.CloseReason,
			Ephemeral:    row.Ephemeral != 0,
		}
	case models.KindWorkflow:
		status := models.WorkflowStatus(row.Status)
		if row.DeletedAt != nil {
			status = models.WorkflowTombstone
		}
		el.Workflow = &models.WorkflowFields{
			Status:        status,
			Ephemeral:     row.Ephemeral != 0,
			PlaybookID:    row.PlaybookID,
			StartedAt:     row.StartedAt,
			FinishedAt:    row.FinishedAt,
			FailureReason: row.FailureReason,
			CancelReason:  row.CancelReason,
		}
		if row.Variables != "" && row.Variables != "{}" {
			if err := json.Unmarshal([]byte(row.Variables), &el.Workflow.Variables); err != nil {
				return nil, fmt.Errorf("element %s: bad variables: %w", row.ID, err)
			}
		}
	case models.KindPlaybook:
		el.Playbook = &models.PlaybookFields{Name: row.Name}
		if row.Steps != "" && row.Steps != "[]" {
			if err := json.Unmarshal([]byte(row.Steps), &el.Playbook.Steps); err != nil {
				return nil, fmt.Errorf("element %s: bad steps: %w", row.ID, err)
			}
		}
		if row.PlaybookVariables != "" && row.PlaybookVariables != "[]" {
			if err := json.Unmarshal([]byte(row.PlaybookVariables), &el.Playbook.Variables); err != nil {
				return nil, fmt.Errorf("element %s: bad playbook variables: %w", row.ID, err)
			}
		}
	}
	return el, nil
}

// CreateElement inserts a new element. Version is forced to 1.
func (r *Repository) CreateElement(ctx context.Context, el *models.Element) error {
	el.Version = 1
	row, err := rowFromElement(el)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO elements (`+elementColumns+`)
		VALUES (:id, :kind, :title, :description, :tags, :metadata, :status,
			:priority, :complexity, :task_type, :assignee, :owner,
			:scheduled_for, :deadline, :close_reason, :ephemeral, :playbook_id,
			:variables, :started_at, :finished_at, :failure_reason,
			:cancel_reason, :name, :steps, :playbook_variables,
			:created_at, :updated_at, :created_by, :deleted_at, :version)`, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return apperrors.Conflict(fmt.Sprintf("element %q already exists", el.ID))
		}
		return fmt.Errorf("failed to insert element: %w", err)
	}
	return nil
}

// GetElement fetches an element by id. Tombstoned elements are reported as
// not found unless includeTombstoned is set.
func (r *Repository) GetElement(ctx context.Context, id string, includeTombstoned bool) (*models.Element, error) {
	var row elementRow
	err := r.db.GetContext(ctx, &row, `SELECT `+elementColumns+` FROM elements WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("element", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get element: %w", err)
	}
	if row.DeletedAt != nil && !includeTombstoned {
		return nil, apperrors.NotFound("element", id)
	}
	return row.toElement()
}

// GetPlaybookByName fetches a playbook element by its unique name.
func (r *Repository) GetPlaybookByName(ctx context.Context, name string) (*models.Element, error) {
	var row elementRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+elementColumns+` FROM elements
		WHERE kind = 'playbook' AND name = ? AND deleted_at IS NULL`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("playbook", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get playbook: %w", err)
	}
	return row.toElement()
}

// UpdateElement persists el, bumping version atomically. When
// expectedVersion is non-nil a stale value is rejected with CONFLICT;
// when nil the write is last-writer-wins but still version-bumped.
func (r *Repository) UpdateElement(ctx context.Context, el *models.Element, expectedVersion *int64) error {
	return r.withTx(func(tx *sqlx.Tx) error {
		var current int64
		err := tx.GetContext(ctx, &current, `SELECT version FROM elements WHERE id = ?`, el.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("element", el.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to read element version: %w", err)
		}
		if expectedVersion != nil && *expectedVersion != current {
			return apperrors.Conflict(fmt.Sprintf(
				"element %q version %d is stale (current %d)", el.ID, *expectedVersion, current))
		}
		el.Version = current + 1
		el.UpdatedAt = time.Now().UTC()
		row, err := rowFromElement(el)
		if err != nil {
			return err
		}
		_, err = tx.NamedExecContext(ctx, `
			UPDATE elements SET
				title = :title, description = :description, tags = :tags,
				metadata = :metadata, status = :status, priority = :priority,
				complexity = :complexity, task_type = :task_type,
				assignee = :assignee, owner = :owner,
				scheduled_for = :scheduled_for, deadline = :deadline,
				close_reason = :close_reason, ephemeral = :ephemeral,
				playbook_id = :playbook_id, variables = :variables,
				started_at = :started_at, finished_at = :finished_at,
				failure_reason = :failure_reason, cancel_reason = :cancel_reason,
				name = :name, steps = :steps,
				playbook_variables = :playbook_variables,
				updated_at = :updated_at, deleted_at = :deleted_at,
				version = :version
			WHERE id = :id`, row)
		if err != nil {
			return fmt.Errorf("failed to update element: %w", err)
		}
		return nil
	})
}

// HardDeleteElement removes an element, every dependency touching it, and its
// blocked-cache row in one transaction. Used by workflow burn.
func (r *Repository) HardDeleteElement(ctx context.Context, id string) error {
	return r.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dependencies WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
			return fmt.Errorf("failed to delete dependencies: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM blocked_cache WHERE element_id = ? OR blocked_by = ?`, id, id); err != nil {
			return fmt.Errorf("failed to delete blocked cache rows: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM elements WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete element: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.NotFound("element", id)
		}
		return nil
	})
}

// ListFilter selects elements for list/search queries.
type ListFilter struct {
	Kind              models.Kind
	Statuses          []string
	Assignee          string
	Unassigned        bool
	TaskType          string
	Priority          int // 0 means any
	Tag               string
	IncludeTombstoned bool
	Limit             int
	Offset            int
}

func (f *ListFilter) where() (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if !f.IncludeTombstoned {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if len(f.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
		clauses = append(clauses, "status IN ("+placeholders+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee = ?")
		args = append(args, f.Assignee)
	}
	if f.Unassigned {
		clauses = append(clauses, "assignee = ''")
	}
	if f.TaskType != "" {
		clauses = append(clauses, "task_type = ?")
		args = append(args, f.TaskType)
	}
	if f.Priority > 0 {
		clauses = append(clauses, "priority = ?")
		args = append(args, f.Priority)
	}
	if f.Tag != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(elements.tags) WHERE json_each.value = ?)")
		args = append(args, f.Tag)
	}
	return strings.Join(clauses, " AND "), args
}

// ListElements returns elements matching the filter, most recently updated
// first.
func (r *Repository) ListElements(ctx context.Context, filter ListFilter) ([]*models.Element, error) {
	where, args := filter.where()
	query := `SELECT ` + elementColumns + ` FROM elements WHERE ` + where + ` ORDER BY updated_at DESC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}
	return r.queryElements(ctx, query, args...)
}

// CountElements returns the number of elements matching the filter.
func (r *Repository) CountElements(ctx context.Context, filter ListFilter) (int, error) {
	where, args := filter.where()
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM elements WHERE `+where, args...); err != nil {
		return 0, fmt.Errorf("failed to count elements: %w", err)
	}
	return count, nil
}

// SearchElements returns elements whose title, description, or name contains
// the query substring, ordered by recency.
func (r *Repository) SearchElements(ctx context.Context, query string, filter ListFilter) ([]*models.Element, error) {
	where, args := filter.where()
	like := "%" + escapeLike(query) + "%"
	sqlQuery := `SELECT ` + elementColumns + ` FROM elements WHERE ` + where + `
		AND (title LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\' OR name LIKE ? ESCAPE '\')
		ORDER BY updated_at DESC, id ASC`
	args = append(args, like, like, like)
	if filter.Limit > 0 {
		sqlQuery += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}
	return r.queryElements(ctx, sqlQuery, args...)
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

func (r *Repository) queryElements(ctx context.Context, query string, args ...any) ([]*models.Element, error) {
	var rows []elementRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list elements: %w", err)
	}
	elements := make([]*models.Element, 0, len(rows))
	for i := range rows {
		el, err := rows[i].toElement()
		if err != nil {
			return nil, err
		}
		elements = append(elements, el)
	}
	return elements, nil
}
