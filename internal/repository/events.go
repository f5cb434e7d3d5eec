package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ElementEvent is one row of the append-only element audit log.
type ElementEvent struct {
	Seq       int64          `db:"seq" json:"seq"`
	ElementID string         `db:"element_id" json:"elementId"`
	EventType string         `db:"event_type" json:"eventType"`
	Actor     string         `db:"actor" json:"actor"`
	Payload   map[string]any `db:"-" json:"payload,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
}

// AppendElementEvent records a mutation in the element event log.
func (r *Repository) AppendElementEvent(ctx context.Context, elementID, eventType, actor string, payload map[string]any) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO element_events (element_id, event_type, actor, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		elementID, eventType, actor, marshalJSON(payload, "{}"), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append element event: %w", err)
	}
	return nil
}

// ListElementEvents returns the audit trail for an element, oldest first.
func (r *Repository) ListElementEvents(ctx context.Context, elementID string, limit int) ([]*ElementEvent, error) {
	query := `SELECT seq, element_id, event_type, actor, payload, created_at
		FROM element_events WHERE element_id = ? ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	type eventRow struct {
		Seq       int64     `db:"seq"`
		ElementID string    `db:"element_id"`
		EventType string    `db:"event_type"`
		Actor     string    `db:"actor"`
		Payload   string    `db:"payload"`
		CreatedAt time.Time `db:"created_at"`
	}
	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, query, elementID); err != nil {
		return nil, fmt.Errorf("failed to list element events: %w", err)
	}
	events := make([]*ElementEvent, 0, len(rows))
	for _, row := range rows {
		ev := &ElementEvent{
			Seq:       row.Seq,
			ElementID: row.ElementID,
			EventType: row.EventType,
			Actor:     row.Actor,
			CreatedAt: row.CreatedAt,
		}
		if row.Payload != "" && row.Payload != "{}" {
			_ = json.Unmarshal([]byte(row.Payload), &ev.Payload)
		}
		events = append(events, ev)
	}
	return events, nil
}
