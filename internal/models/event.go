package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of collaboration event on the wire.
type EventType string

const (
	// Workflow steering events
	EventTypeGraft EventType = "GRAFT" // A pipeline step was grafted after another
	EventTypePrune EventType = "PRUNE" // A pipeline step was pruned (or restored)
	EventTypeFlag  EventType = "FLAG"  // A node was flagged for attention

	// Presence events
	EventTypeUserJoin   EventType = "USER_JOIN"
	EventTypeUserLeave  EventType = "USER_LEAVE"
	EventTypeCursorMove EventType = "CURSOR_MOVE"

	// Transport-level events (never sequenced, never replayed)
	EventTypePong EventType = "PONG"
)

// CollaborationEvent is an immutable fact broadcast by the server.
// Learning: the engine never mutates an event after receipt - it is either
// merged into presence state or forwarded verbatim to the application.
type CollaborationEvent struct {
	EventType      EventType       `json:"eventType"`
	UserID         string          `json:"userId"`
	Timestamp      int64           `json:"timestamp"` // epoch millis, server-assigned
	SequenceNumber *int64          `json:"sequenceNumber,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Sequenced reports whether the event carries a replayable sequence number.
// Transport-level events like PONG have none.
func (e *CollaborationEvent) Sequenced() bool {
	return e.SequenceNumber != nil
}

// ClientMessage is the envelope for client-to-server intents
// (graft, prune, flag, cursor, join, leave, ping).
type ClientMessage struct {
	Destination string          `json:"destination"`
	UserID      string          `json:"userId"`
	Body        json.RawMessage `json:"body,omitempty"`
	SentAt      int64           `json:"sentAt"`
}

// Well-known client message destinations.
const (
	DestJoin   = "join"
	DestLeave  = "leave"
	DestGraft  = "graft"
	DestPrune  = "prune"
	DestFlag   = "flag"
	DestCursor = "cursor"
	DestPing   = "ping"
)

// GraftPayload asks the server to graft a new agent step after an existing one.
type GraftPayload struct {
	AfterStepID string `json:"afterStepId"`
	AgentName   string `json:"agentName"`
}

// PrunePayload toggles the pruned state of a pipeline step.
type PrunePayload struct {
	StepID   string `json:"stepId"`
	IsPruned bool   `json:"isPruned"`
}

// FlagPayload flags a workflow node, optionally with a note.
type FlagPayload struct {
	StepID string `json:"stepId"`
	Note   string `json:"note,omitempty"`
}

// CursorPayload reports where a user's attention is in the workflow graph.
type CursorPayload struct {
	NodeID string `json:"nodeId"`
}

// PingPayload carries the client send time so the matching PONG can be
// turned into a round-trip measurement.
type PingPayload struct {
	SentAt int64 `json:"sentAt"`
}

// PresencePayload is the presence-relevant shape the engine inspects inside
// USER_JOIN, USER_LEAVE and CURSOR_MOVE event data. The server always sends
// complete snapshots, never deltas - that keeps presence merges idempotent
// under replay.
type PresencePayload struct {
	ActiveUsers []string          `json:"activeUsers,omitempty"`
	Cursors     map[string]string `json:"cursors,omitempty"`
}

// NowMillis returns the current time as epoch milliseconds, the timestamp
// unit used throughout the collaboration protocol.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
