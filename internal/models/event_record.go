package models

import "encoding/json"

// EventRecord is the persisted form of a sequenced CollaborationEvent,
// stored so late joiners and polling clients can replay history.
// Learning: GORM automatically creates/updates this table via AutoMigrate.
type EventRecord struct {
	ID        uint   `json:"id" gorm:"primaryKey"`
	RunID     string `json:"run_id" gorm:"index:idx_events_run_seq,priority:1;not null"`
	Sequence  int64  `json:"sequence" gorm:"index:idx_events_run_seq,priority:2;not null"`
	EventType string `json:"event_type" gorm:"not null"`
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
	Data      []byte `json:"data" gorm:"type:jsonb"`
}

// TableName keeps the table name stable regardless of struct renames.
func (EventRecord) TableName() string {
	return "collaboration_events"
}

// Event converts the stored record back into its wire form.
func (r *EventRecord) Event() CollaborationEvent {
	seq := r.Sequence
	return CollaborationEvent{
		EventType:      EventType(r.EventType),
		UserID:         r.UserID,
		Timestamp:      r.Timestamp,
		SequenceNumber: &seq,
		Data:           json.RawMessage(r.Data),
	}
}

// NewEventRecord captures a sequenced event for persistence. Events without
// a sequence number are transport-level and must not be stored.
func NewEventRecord(runID string, ev CollaborationEvent) *EventRecord {
	var seq int64
	if ev.SequenceNumber != nil {
		seq = *ev.SequenceNumber
	}
	return &EventRecord{
		RunID:     runID,
		Sequence:  seq,
		EventType: string(ev.EventType),
		UserID:    ev.UserID,
		Timestamp: ev.Timestamp,
		Data:      []byte(ev.Data),
	}
}
