package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/google/uuid"
)

type EventStore struct{ s *Store }

func (r *EventStore) Create(_ context.Context, refType domain.RefType, refID string, eventType domain.EventType, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.events = append(r.s.events, &domain.Event{
		ID:        uuid.NewString(),
		RefType:   refType,
		RefID:     refID,
		EventType: eventType,
		Data:      payload,
		CreatedAt: r.s.now(),
	})
	return nil
}

// ListByRef returns the newest events first.
func (r *EventStore) ListByRef(_ context.Context, refType domain.RefType, refID string, limit int) ([]*domain.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.Event
	for i := len(r.s.events) - 1; i >= 0; i-- {
		e := r.s.events[i]
		if e.RefType != refType || e.RefID != refID {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// All returns every recorded event in insertion order.
func (r *EventStore) All() []*domain.Event {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*domain.Event, len(r.s.events))
	for i, e := range r.s.events {
		c := *e
		out[i] = &c
	}
	return out
}
