package collab

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowboard/internal/models"
)

func presenceEvent(t *testing.T, eventType models.EventType, userID string, payload models.PresencePayload) models.CollaborationEvent {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return models.CollaborationEvent{
		EventType: eventType,
		UserID:    userID,
		Timestamp: models.NowMillis(),
		Data:      data,
	}
}

func TestPresence_JoinReplacesActiveUsersWholesale(t *testing.T) {
	p := newPresenceAggregator()

	p.apply(presenceEvent(t, models.EventTypeUserJoin, "alice", models.PresencePayload{
		ActiveUsers: []string{"alice", "bob"},
	}))

	assert.Equal(t, []string{"alice", "bob"}, p.snapshot().ActiveUsers)

	// The server is authoritative: a later snapshot replaces everything.
	p.apply(presenceEvent(t, models.EventTypeUserJoin, "carol", models.PresencePayload{
		ActiveUsers: []string{"carol"},
	}))

	assert.Equal(t, []string{"carol"}, p.snapshot().ActiveUsers)
}

func TestPresence_IdempotentUnderReplay(t *testing.T) {
	p := newPresenceAggregator()

	join := presenceEvent(t, models.EventTypeUserJoin, "alice", models.PresencePayload{
		ActiveUsers: []string{"alice", "bob"},
	})
	move := presenceEvent(t, models.EventTypeCursorMove, "bob", models.PresencePayload{
		Cursors: map[string]string{"alice": "node-1", "bob": "node-7"},
	})

	p.apply(join)
	p.apply(move)
	first := p.snapshot()

	// Same events again, as a replay would deliver them.
	p.apply(join)
	p.apply(move)
	second := p.snapshot()

	assert.Equal(t, first, second)
}

func TestPresence_LeaveRemovesCursor(t *testing.T) {
	p := newPresenceAggregator()

	p.apply(presenceEvent(t, models.EventTypeUserJoin, "alice", models.PresencePayload{
		ActiveUsers: []string{"alice", "bob"},
	}))
	p.apply(presenceEvent(t, models.EventTypeCursorMove, "bob", models.PresencePayload{
		Cursors: map[string]string{"alice": "node-1", "bob": "node-7"},
	}))

	p.apply(presenceEvent(t, models.EventTypeUserLeave, "bob", models.PresencePayload{
		ActiveUsers: []string{"alice"},
	}))

	snap := p.snapshot()
	assert.Equal(t, []string{"alice"}, snap.ActiveUsers)
	assert.NotContains(t, snap.Cursors, "bob")
	assert.Equal(t, "node-1", snap.Cursors["alice"])
}

func TestPresence_CursorMoveReplacesMapWholesale(t *testing.T) {
	p := newPresenceAggregator()

	p.apply(presenceEvent(t, models.EventTypeCursorMove, "alice", models.PresencePayload{
		Cursors: map[string]string{"alice": "node-1", "bob": "node-2"},
	}))
	p.apply(presenceEvent(t, models.EventTypeCursorMove, "alice", models.PresencePayload{
		Cursors: map[string]string{"alice": "node-3"},
	}))

	snap := p.snapshot()
	assert.Equal(t, map[string]string{"alice": "node-3"}, snap.Cursors)
}

func TestPresence_MalformedPayloadIgnored(t *testing.T) {
	p := newPresenceAggregator()
	p.apply(presenceEvent(t, models.EventTypeUserJoin, "alice", models.PresencePayload{
		ActiveUsers: []string{"alice"},
	}))

	p.apply(models.CollaborationEvent{
		EventType: models.EventTypeUserJoin,
		UserID:    "mallory",
		Data:      json.RawMessage(`{"activeUsers": "not-a-list"`),
	})

	assert.Equal(t, []string{"alice"}, p.snapshot().ActiveUsers)
}

func TestPresence_ResetEmptiesSnapshot(t *testing.T) {
	p := newPresenceAggregator()
	p.seed([]string{"alice"}, map[string]string{"alice": "node-1"})

	p.reset()

	snap := p.snapshot()
	assert.Empty(t, snap.ActiveUsers)
	assert.Empty(t, snap.Cursors)
}
