package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents one client's membership in a collaboratively viewed
// workflow run, as tracked by the server.
type Session struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

func NewSession(runID, userID, userName string) *Session {
	return &Session{
		ID:           ksuid.New().String(),
		RunID:        runID,
		UserID:       userID,
		UserName:     userName,
		ConnectedAt:  time.Now(),
		LastActiveAt: time.Now(),
	}
}
