package collab

import (
	"encoding/json"
	"sort"
	"sync"

	"flowboard/internal/models"
)

// presenceAggregator folds join/leave/cursor events into a current snapshot
// of who is in the session and where their attention is.
//
// The server always broadcasts complete snapshots (full active-user set, full
// cursor map), never deltas. Merges therefore replace wholesale, which makes
// the aggregator idempotent under replay and immune to partial-update
// ordering bugs.
type presenceAggregator struct {
	mu      sync.RWMutex
	active  map[string]struct{}
	cursors map[string]string
}

func newPresenceAggregator() *presenceAggregator {
	return &presenceAggregator{
		active:  make(map[string]struct{}),
		cursors: make(map[string]string),
	}
}

// apply merges a presence-relevant event. Non-presence events are ignored.
func (p *presenceAggregator) apply(ev models.CollaborationEvent) {
	switch ev.EventType {
	case models.EventTypeUserJoin, models.EventTypeUserLeave, models.EventTypeCursorMove:
	default:
		return
	}

	var payload models.PresencePayload
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return // malformed payload: drop silently
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.EventType {
	case models.EventTypeUserJoin:
		if payload.ActiveUsers != nil {
			p.replaceActive(payload.ActiveUsers)
		} else if ev.UserID != "" {
			p.active[ev.UserID] = struct{}{}
		}

	case models.EventTypeUserLeave:
		if payload.ActiveUsers != nil {
			p.replaceActive(payload.ActiveUsers)
		} else if ev.UserID != "" {
			delete(p.active, ev.UserID)
		}
		// The leaver's cursor goes with them.
		delete(p.cursors, ev.UserID)

	case models.EventTypeCursorMove:
		if payload.Cursors != nil {
			p.replaceCursors(payload.Cursors)
		}
	}
}

// seed replaces the whole snapshot, used at (re)connect and on every polling
// cycle where the server returns authoritative presence alongside events.
func (p *presenceAggregator) seed(activeUsers []string, cursors map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if activeUsers != nil {
		p.replaceActive(activeUsers)
	}
	if cursors != nil {
		p.replaceCursors(cursors)
	}
}

func (p *presenceAggregator) reset() {
	p.mu.Lock()
	p.active = make(map[string]struct{})
	p.cursors = make(map[string]string)
	p.mu.Unlock()
}

func (p *presenceAggregator) snapshot() models.PresenceState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	users := make([]string, 0, len(p.active))
	for u := range p.active {
		users = append(users, u)
	}
	sort.Strings(users)

	cursors := make(map[string]string, len(p.cursors))
	for k, v := range p.cursors {
		cursors[k] = v
	}

	return models.PresenceState{ActiveUsers: users, Cursors: cursors}
}

// replaceActive and replaceCursors require p.mu held.

func (p *presenceAggregator) replaceActive(users []string) {
	p.active = make(map[string]struct{}, len(users))
	for _, u := range users {
		p.active[u] = struct{}{}
	}
}

func (p *presenceAggregator) replaceCursors(cursors map[string]string) {
	p.cursors = make(map[string]string, len(cursors))
	for k, v := range cursors {
		p.cursors[k] = v
	}
}
