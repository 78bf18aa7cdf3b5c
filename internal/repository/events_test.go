package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowboard/internal/models"
)

func storedEvent(seq int64, eventType models.EventType) models.CollaborationEvent {
	return models.CollaborationEvent{
		EventType:      eventType,
		UserID:         "alice",
		Timestamp:      models.NowMillis(),
		SequenceNumber: &seq,
	}
}

func TestMemoryEventStore_AfterCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, store.Append(ctx, "run-1", storedEvent(seq, models.EventTypeFlag)))
	}

	// Nil cursor returns the full history.
	all, err := store.After(ctx, "run-1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	// A cursor returns strictly greater sequences only.
	after := int64(3)
	tail, err := store.After(ctx, "run-1", &after)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(4), *tail[0].SequenceNumber)
	assert.Equal(t, int64(5), *tail[1].SequenceNumber)
}

func TestMemoryEventStore_RunsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	require.NoError(t, store.Append(ctx, "run-1", storedEvent(1, models.EventTypeGraft)))
	require.NoError(t, store.Append(ctx, "run-2", storedEvent(1, models.EventTypePrune)))

	events, err := store.After(ctx, "run-1", nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypeGraft, events[0].EventType)
}

func TestMemoryEventStore_BatchCap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	for seq := int64(1); seq <= maxReplayBatch+50; seq++ {
		require.NoError(t, store.Append(ctx, "run-1", storedEvent(seq, models.EventTypeCursorMove)))
	}

	events, err := store.After(ctx, "run-1", nil)
	require.NoError(t, err)
	assert.Len(t, events, maxReplayBatch)
}
