package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
)

type EventRepository struct {
	db DB
}

func NewEventRepository(db DB) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) Create(ctx context.Context, refType domain.RefType, refID string, eventType domain.EventType, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO import_events (ref_type, ref_id, event_type, data)
		VALUES ($1, $2, $3, $4)`,
		refType, refID, eventType, payload)
	if err != nil {
		return fmt.Errorf("create event %s: %w", eventType, err)
	}
	return nil
}

func (r *EventRepository) ListByRef(ctx context.Context, refType domain.RefType, refID string, limit int) ([]*domain.Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, ref_type, ref_id, event_type, data, created_at
		FROM import_events
		WHERE ref_type = $1 AND ref_id = $2
		ORDER BY created_at DESC
		LIMIT $3`, refType, refID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var (
			e    domain.Event
			data []byte
		)
		if err := rows.Scan(&e.ID, &e.RefType, &e.RefID, &e.EventType, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Data = data
		events = append(events, &e)
	}
	return events, rows.Err()
}
