package repository

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"flowboard/internal/middleware"
	"flowboard/internal/models"
)

// maxReplayBatch caps how many events a single replay or poll request may
// return, so a full-history replay of a long-lived run cannot balloon one
// response without bound.
const maxReplayBatch = 1000

// EventStore persists sequenced collaboration events so late joiners and
// polling clients can replay history.
type EventStore interface {
	Append(ctx context.Context, runID string, ev models.CollaborationEvent) error

	// After returns events with sequence strictly greater than the cursor,
	// in sequence order. A nil cursor means "from the beginning".
	After(ctx context.Context, runID string, after *int64) ([]models.CollaborationEvent, error)
}

// MemoryEventStore is the default store: a per-run slice guarded by a mutex.
// Events arrive in sequence order because the hub appends them from its
// single event loop.
type MemoryEventStore struct {
	mu   sync.RWMutex
	runs map[string][]models.CollaborationEvent
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{runs: make(map[string][]models.CollaborationEvent)}
}

func (s *MemoryEventStore) Append(ctx context.Context, runID string, ev models.CollaborationEvent) error {
	s.mu.Lock()
	s.runs[runID] = append(s.runs[runID], ev)
	s.mu.Unlock()
	return nil
}

func (s *MemoryEventStore) After(ctx context.Context, runID string, after *int64) ([]models.CollaborationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.CollaborationEvent
	for _, ev := range s.runs[runID] {
		if after != nil && ev.SequenceNumber != nil && *ev.SequenceNumber <= *after {
			continue
		}
		out = append(out, ev)
		if len(out) >= maxReplayBatch {
			break
		}
	}
	return out, nil
}

// GormEventStore keeps event history in Postgres so it survives server
// restarts.
type GormEventStore struct {
	db *gorm.DB
}

func NewGormEventStore(db *gorm.DB) *GormEventStore {
	return &GormEventStore{db: db}
}

func (s *GormEventStore) Append(ctx context.Context, runID string, ev models.CollaborationEvent) error {
	ctx, span := middleware.StartSpan(ctx, "EventStore.Append",
		attribute.String("run.id", runID),
		attribute.String("event.type", string(ev.EventType)),
	)
	defer span.End()

	record := models.NewEventRecord(runID, ev)
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}
	return nil
}

func (s *GormEventStore) After(ctx context.Context, runID string, after *int64) ([]models.CollaborationEvent, error) {
	ctx, span := middleware.StartSpan(ctx, "EventStore.After",
		attribute.String("run.id", runID),
	)
	defer span.End()

	query := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("sequence ASC").
		Limit(maxReplayBatch)
	if after != nil {
		query = query.Where("sequence > ?", *after)
	}

	var records []models.EventRecord
	if err := query.Find(&records).Error; err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	events := make([]models.CollaborationEvent, 0, len(records))
	for i := range records {
		events = append(events, records[i].Event())
	}
	span.SetAttributes(attribute.Int("events.count", len(events)))
	return events, nil
}
