package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
	"github.com/elemental-sh/elemental/internal/element/models"
)

type dependencyRow struct {
	SourceID  string    `db:"source_id"`
	TargetID  string    `db:"target_id"`
	Type      string    `db:"type"`
	Metadata  string    `db:"metadata"`
	CreatedBy string    `db:"created_by"`
	CreatedAt time.Time `db:"created_at"`
}

func (row *dependencyRow) toDependency() (*models.Dependency, error) {
	dep := &models.Dependency{
		SourceID:  row.SourceID,
		TargetID:  row.TargetID,
		Type:      models.DependencyType(row.Type),
		CreatedBy: row.CreatedBy,
		CreatedAt: row.CreatedAt,
	}
	if row.Metadata != "" && row.Metadata != "{}" {
		if err := json.Unmarshal([]byte(row.Metadata), &dep.Metadata); err != nil {
			return nil, fmt.Errorf("dependency %s->%s: bad metadata: %w", row.SourceID, row.TargetID, err)
		}
	}
	return dep, nil
}

// AddDependency inserts an edge. A duplicate (source, target, type) is
// rejected with DUPLICATE_DEPENDENCY.
func (r *Repository) AddDependency(ctx context.Context, dep *models.Dependency) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dependencies (source_id, target_id, type, metadata, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		dep.SourceID, dep.TargetID, string(dep.Type),
		marshalJSON(dep.Metadata, "{}"), dep.CreatedBy, dep.CreatedAt.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return apperrors.DuplicateDependency(dep.SourceID, dep.TargetID, string(dep.Type))
		}
		return fmt.Errorf("failed to insert dependency: %w", err)
	}
	return nil
}

// RemoveDependency deletes an edge; missing edges report NOT_FOUND.
func (r *Repository) RemoveDependency(ctx context.Context, sourceID, targetID string, depType models.DependencyType) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM dependencies WHERE source_id = ? AND target_id = ? AND type = ?`,
		sourceID, targetID, string(depType))
	if err != nil {
		return fmt.Errorf("failed to delete dependency: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("dependency", fmt.Sprintf("%s->%s (%s)", sourceID, targetID, depType))
	}
	return nil
}

// UpdateDependencyMetadata rewrites the metadata of an existing edge. This is
// how external/webhook/approval gates are satisfied.
func (r *Repository) UpdateDependencyMetadata(ctx context.Context, sourceID, targetID string, depType models.DependencyType, metadata map[string]any) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE dependencies SET metadata = ? WHERE source_id = ? AND target_id = ? AND type = ?`,
		marshalJSON(metadata, "{}"), sourceID, targetID, string(depType))
	if err != nil {
		return fmt.Errorf("failed to update dependency metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("dependency", fmt.Sprintf("%s->%s (%s)", sourceID, targetID, depType))
	}
	return nil
}

func typeFilter(types []models.DependencyType) (string, []any) {
	if len(types) == 0 {
		return "", nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")
	args := make([]any, 0, len(types))
	for _, t := range types {
		args = append(args, string(t))
	}
	return " AND type IN (" + placeholders + ")", args
}

// GetDependencies returns outgoing edges from id, optionally restricted to
// types, in deterministic (type, created_at, target_id) order.
func (r *Repository) GetDependencies(ctx context.Context, id string, types ...models.DependencyType) ([]*models.Dependency, error) {
	clause, args := typeFilter(types)
	query := `SELECT source_id, target_id, type, metadata, created_by, created_at
		FROM dependencies WHERE source_id = ?` + clause + `
		ORDER BY type ASC, created_at ASC, target_id ASC`
	return r.queryDependencies(ctx, query, append([]any{id}, args...)...)
}

// GetDependents returns incoming edges to id, optionally restricted to types.
func (r *Repository) GetDependents(ctx context.Context, id string, types ...models.DependencyType) ([]*models.Dependency, error) {
	clause, args := typeFilter(types)
	query := `SELECT source_id, target_id, type, metadata, created_by, created_at
		FROM dependencies WHERE target_id = ?` + clause + `
		ORDER BY type ASC, created_at ASC, source_id ASC`
	return r.queryDependencies(ctx, query, append([]any{id}, args...)...)
}

func (r *Repository) queryDependencies(ctx context.Context, query string, args ...any) ([]*models.Dependency, error) {
	var rows []dependencyRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	deps := make([]*models.Dependency, 0, len(rows))
	for i := range rows {
		dep, err := rows[i].toDependency()
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// ListBlockingSourceIDs returns the ids of all elements with at least one
// outgoing blocking edge. These are the blocked-cache rebuild candidates.
func (r *Repository) ListBlockingSourceIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT d.source_id FROM dependencies d
		JOIN elements e ON e.id = d.source_id
		WHERE d.type IN ('blocks', 'parent-child', 'awaits')
		  AND e.deleted_at IS NULL
		ORDER BY d.source_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocking sources: %w", err)
	}
	return ids, nil
}

// ListDueTimerGateSourceIDs returns ids of elements holding an awaits edge
// with a timer gate whose waitUntil is at or before now. waitUntil is
// normalized to UTC RFC3339 on write, so the string comparison is sound:
// fractional seconds sort before the whole second, which scans a gate early
// at worst, and Invalidate re-evaluates with parsed times.
func (r *Repository) ListDueTimerGateSourceIDs(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT source_id FROM dependencies
		WHERE type = 'awaits'
		  AND json_extract(metadata, '$.gate') = 'timer'
		  AND json_extract(metadata, '$.waitUntil') <= ?
		ORDER BY source_id`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to list due timer gates: %w", err)
	}
	return ids, nil
}

// BlockedEntry is a materialized blocked-cache row.
type BlockedEntry struct {
	ElementID string    `db:"element_id" json:"elementId"`
	BlockedBy string    `db:"blocked_by" json:"blockedBy"`
	Reason    string    `db:"reason" json:"reason"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// UpsertBlocked writes a blocked-cache row for an element.
func (r *Repository) UpsertBlocked(ctx context.Context, elementID, blockedBy, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO blocked_cache (element_id, blocked_by, reason, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(element_id) DO UPDATE SET
			blocked_by = excluded.blocked_by,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		elementID, blockedBy, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert blocked cache row: %w", err)
	}
	return nil
}

// DeleteBlocked removes an element's blocked-cache row if present.
func (r *Repository) DeleteBlocked(ctx context.Context, elementID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM blocked_cache WHERE element_id = ?`, elementID); err != nil {
		return fmt.Errorf("failed to delete blocked cache row: %w", err)
	}
	return nil
}

// GetBlocked returns the blocked-cache row for an element, or nil.
func (r *Repository) GetBlocked(ctx context.Context, elementID string) (*BlockedEntry, error) {
	var entry BlockedEntry
	err := r.db.GetContext(ctx, &entry, `
		SELECT element_id, blocked_by, reason, updated_at
		FROM blocked_cache WHERE element_id = ?`, elementID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blocked cache row: %w", err)
	}
	return &entry, nil
}

// ListBlocked returns every blocked-cache row.
func (r *Repository) ListBlocked(ctx context.Context) ([]*BlockedEntry, error) {
	var entries []*BlockedEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT element_id, blocked_by, reason, updated_at
		FROM blocked_cache ORDER BY element_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked cache: %w", err)
	}
	return entries, nil
}

// ClearBlocked empties the blocked cache (rebuild step 1).
func (r *Repository) ClearBlocked(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM blocked_cache`); err != nil {
		return fmt.Errorf("failed to clear blocked cache: %w", err)
	}
	return nil
}
