package repository

import (
	"context"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
)

type EventRepository interface {
	Create(ctx context.Context, refType domain.RefType, refID string, eventType domain.EventType, data any) error
	ListByRef(ctx context.Context, refType domain.RefType, refID string, limit int) ([]*domain.Event, error)
}
