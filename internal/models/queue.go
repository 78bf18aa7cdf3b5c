package models

import (
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
)

// QueuedMessage is an outbound intent awaiting delivery. It is created when a
// send is attempted while disconnected (or fails synchronously) and destroyed
// on successful publish or after exceeding the retry ceiling.
type QueuedMessage struct {
	ID          string          `json:"id"`
	Destination string          `json:"destination"`
	Body        json.RawMessage `json:"body"`
	Timestamp   time.Time       `json:"timestamp"`
	RetryCount  int             `json:"retryCount"`
}

// NewQueuedMessage creates a queued message with a fresh KSUID and a zero
// retry count.
func NewQueuedMessage(destination string, body json.RawMessage) *QueuedMessage {
	return &QueuedMessage{
		ID:          ksuid.New().String(),
		Destination: destination,
		Body:        body,
		Timestamp:   time.Now(),
	}
}
