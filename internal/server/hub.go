package server

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"flowboard/internal/models"
	"flowboard/internal/repository"
)

// Hub coordinates all live connections to collaboratively viewed workflow
// runs: one room per run, membership-driven presence, sequence stamping and
// history persistence for replay.
//
// A single event-loop goroutine owns registration, departure and intent
// processing, so per-run sequence numbers are assigned in a total order.
type Hub struct {
	register   chan *client
	unregister chan *client
	inbound    chan *clientIntent
	done       chan struct{}

	mu   sync.RWMutex
	runs map[string]map[*client]bool // runID -> set of clients

	presenceMu sync.RWMutex
	presence   map[string]*runPresence

	seqs map[string]int64 // runID -> last stamped sequence; loop-owned

	store repository.EventStore
}

// runPresence is the authoritative presence table for one run. Users are
// refcounted so the same user with two tabs open stays "active" until the
// last one leaves.
type runPresence struct {
	users   map[string]int
	cursors map[string]string
}

// clientIntent pairs an inbound message with its origin connection.
type clientIntent struct {
	from *client
	msg  models.ClientMessage
}

func NewHub(store repository.EventStore) *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		inbound:    make(chan *clientIntent, 256),
		done:       make(chan struct{}),
		runs:       make(map[string]map[*client]bool),
		presence:   make(map[string]*runPresence),
		seqs:       make(map[string]int64),
		store:      store,
	}
}

// Start begins the hub event loop and the stale-session sweeper.
func (h *Hub) Start() {
	log.Println("🔄 Starting collaboration hub...")

	go func() {
		for {
			select {
			case <-h.done:
				log.Println("Collaboration hub shutting down...")
				return
			case c := <-h.register:
				h.handleRegister(c)
			case c := <-h.unregister:
				h.handleUnregister(c)
			case in := <-h.inbound:
				h.handleIntent(in)
			}
		}
	}()

	go h.cleanupLoop()

	log.Println("✓ Collaboration hub started")
}

// Shutdown closes every connection and stops the loop.
func (h *Hub) Shutdown() {
	log.Println("🛑 Shutting down collaboration hub...")
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.runs {
		for c := range clients {
			close(c.send)
			c.conn.Close()
		}
	}
	h.runs = make(map[string]map[*client]bool)
	log.Println("✓ Collaboration hub shutdown complete")
}

// PresenceSnapshot returns the current active users and cursor map for a
// run, for the polling endpoint.
func (h *Hub) PresenceSnapshot(runID string) (activeUsers []string, cursors map[string]string) {
	h.presenceMu.RLock()
	defer h.presenceMu.RUnlock()

	activeUsers = []string{}
	cursors = map[string]string{}
	p, ok := h.presence[runID]
	if !ok {
		return activeUsers, cursors
	}
	for u := range p.users {
		activeUsers = append(activeUsers, u)
	}
	sort.Strings(activeUsers)
	for k, v := range p.cursors {
		cursors[k] = v
	}
	return activeUsers, cursors
}

func (h *Hub) handleRegister(c *client) {
	h.mu.Lock()
	if h.runs[c.session.RunID] == nil {
		h.runs[c.session.RunID] = make(map[*client]bool)
	}
	h.runs[c.session.RunID][c] = true
	total := len(h.runs[c.session.RunID])
	h.mu.Unlock()

	h.presenceMu.Lock()
	p := h.presence[c.session.RunID]
	if p == nil {
		p = &runPresence{users: make(map[string]int), cursors: make(map[string]string)}
		h.presence[c.session.RunID] = p
	}
	p.users[c.session.UserID]++
	h.presenceMu.Unlock()

	log.Printf("  Session %s joined run %s (total: %d connections)",
		c.session.ID, c.session.RunID, total)

	h.broadcastPresence(c.session.RunID, models.EventTypeUserJoin, c.session.UserID)
}

func (h *Hub) handleUnregister(c *client) {
	h.mu.Lock()
	clients, ok := h.runs[c.session.RunID]
	if !ok || !clients[c] {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	close(c.send)
	if len(clients) == 0 {
		delete(h.runs, c.session.RunID)
	}
	remaining := len(clients)
	h.mu.Unlock()

	gone := false
	h.presenceMu.Lock()
	if p, ok := h.presence[c.session.RunID]; ok {
		p.users[c.session.UserID]--
		if p.users[c.session.UserID] <= 0 {
			delete(p.users, c.session.UserID)
			delete(p.cursors, c.session.UserID)
			gone = true
		}
	}
	h.presenceMu.Unlock()

	log.Printf("  Session %s left run %s (remaining: %d connections)",
		c.session.ID, c.session.RunID, remaining)

	if gone {
		h.broadcastPresence(c.session.RunID, models.EventTypeUserLeave, c.session.UserID)
	}
}

// handleIntent dispatches one client message. Steering intents are stamped,
// persisted and broadcast; ping is answered directly and never sequenced.
func (h *Hub) handleIntent(in *clientIntent) {
	c := in.from
	runID := c.session.RunID

	switch in.msg.Destination {
	case models.DestJoin:
		// Idempotent re-announce after a reconnect: rebroadcast the
		// authoritative snapshot so everyone converges.
		h.broadcastPresence(runID, models.EventTypeUserJoin, c.session.UserID)

	case models.DestLeave:
		// Membership is driven by the socket closing; the explicit leave
		// message is a courtesy and needs no action here.

	case models.DestGraft, models.DestPrune, models.DestFlag:
		h.broadcastEvent(runID, models.CollaborationEvent{
			EventType: eventTypeFor(in.msg.Destination),
			UserID:    c.session.UserID,
			Timestamp: models.NowMillis(),
			Data:      in.msg.Body,
		})

	case models.DestCursor:
		var cursor models.CursorPayload
		if err := json.Unmarshal(in.msg.Body, &cursor); err != nil {
			log.Printf("⚠️  Dropping malformed cursor intent from %s: %v", c.session.UserID, err)
			return
		}
		h.presenceMu.Lock()
		if p, ok := h.presence[runID]; ok {
			p.cursors[c.session.UserID] = cursor.NodeID
		}
		h.presenceMu.Unlock()

		_, cursors := h.PresenceSnapshot(runID)
		data, _ := json.Marshal(models.PresencePayload{Cursors: cursors})
		h.broadcastEvent(runID, models.CollaborationEvent{
			EventType: models.EventTypeCursorMove,
			UserID:    c.session.UserID,
			Timestamp: models.NowMillis(),
			Data:      data,
		})

	case models.DestPing:
		pong := models.CollaborationEvent{
			EventType: models.EventTypePong,
			UserID:    c.session.UserID,
			Timestamp: models.NowMillis(),
			Data:      in.msg.Body, // echo sentAt back for the RTT measurement
		}
		if payload, err := json.Marshal(pong); err == nil {
			select {
			case c.send <- payload:
			default:
			}
		}

	default:
		log.Printf("⚠️  Unknown destination %q from %s", in.msg.Destination, c.session.UserID)
	}
}

// broadcastPresence stamps and broadcasts a join/leave event carrying the
// full active-user set. Snapshots, never deltas: clients replace wholesale.
func (h *Hub) broadcastPresence(runID string, eventType models.EventType, userID string) {
	activeUsers, cursors := h.PresenceSnapshot(runID)
	payload := models.PresencePayload{ActiveUsers: activeUsers}
	if eventType == models.EventTypeUserJoin {
		payload.Cursors = cursors
	}
	data, _ := json.Marshal(payload)
	h.broadcastEvent(runID, models.CollaborationEvent{
		EventType: eventType,
		UserID:    userID,
		Timestamp: models.NowMillis(),
		Data:      data,
	})
}

// broadcastEvent stamps the next sequence number, persists the event and
// fans it out to every client in the run.
func (h *Hub) broadcastEvent(runID string, ev models.CollaborationEvent) {
	seq := h.nextSequence(runID)
	ev.SequenceNumber = &seq

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := h.store.Append(ctx, runID, ev); err != nil {
		log.Printf("⚠️  Failed to persist event %d for run %s: %v", seq, runID, err)
	}
	cancel()

	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.runs[runID]))
	for c := range h.runs[runID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- payload:
		default:
			// Buffer full - connection is slow or dead.
			log.Printf("⚠️  Session %s buffer full, closing connection", c.session.ID)
			go func(c *client) {
				select {
				case h.unregister <- c:
				case <-h.done:
				}
			}(c)
		}
	}
}

// nextSequence advances the per-run counter, seeding it from stored history
// the first time a run is seen so sequences survive server restarts.
func (h *Hub) nextSequence(runID string) int64 {
	if _, ok := h.seqs[runID]; !ok {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		last, err := lastStoredSequence(ctx, h.store, runID)
		cancel()
		if err != nil {
			log.Printf("⚠️  Could not seed sequence for run %s: %v", runID, err)
		}
		h.seqs[runID] = last
	}
	h.seqs[runID]++
	return h.seqs[runID]
}

// lastStoredSequence scans stored history for the highest stamped sequence.
func lastStoredSequence(ctx context.Context, store repository.EventStore, runID string) (int64, error) {
	var last int64
	cursor := (*int64)(nil)
	for {
		events, err := store.After(ctx, runID, cursor)
		if err != nil {
			return last, err
		}
		if len(events) == 0 {
			return last, nil
		}
		for _, ev := range events {
			if ev.SequenceNumber != nil && *ev.SequenceNumber > last {
				last = *ev.SequenceNumber
			}
		}
		cursor = &last
	}
}

func eventTypeFor(destination string) models.EventType {
	switch destination {
	case models.DestGraft:
		return models.EventTypeGraft
	case models.DestPrune:
		return models.EventTypePrune
	default:
		return models.EventTypeFlag
	}
}

// cleanupLoop periodically sweeps connections that have gone silent.
func (h *Hub) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.cleanup()
		}
	}
}

func (h *Hub) cleanup() {
	timeout := 5 * time.Minute
	now := time.Now()

	h.mu.RLock()
	var stale []*client
	for _, clients := range h.runs {
		for c := range clients {
			if now.Sub(c.session.LastActiveAt) > timeout {
				stale = append(stale, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		log.Printf("  Cleaning up inactive session %s", c.session.ID)
		h.unregister <- c
	}
}
