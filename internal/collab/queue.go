package collab

import (
	"encoding/json"
	"sync"

	"flowboard/internal/models"
)

// messageQueue holds outbound intents that could not be delivered, so that
// transient disconnects never silently drop user actions. The queue itself is
// unbounded; effort per message is bounded by the retry ceiling.
type messageQueue struct {
	mu         sync.Mutex
	items      []*models.QueuedMessage
	maxRetries int

	delivered int // messages eventually published
	dropped   int // messages dropped after exhausting retries
}

func newMessageQueue(maxRetries int) *messageQueue {
	if maxRetries <= 0 {
		maxRetries = defaultRetryCeiling
	}
	return &messageQueue{maxRetries: maxRetries}
}

// enqueue appends an intent in FIFO position.
func (q *messageQueue) enqueue(destination string, body json.RawMessage) {
	q.mu.Lock()
	q.items = append(q.items, models.NewQueuedMessage(destination, body))
	q.mu.Unlock()
}

// flushResult summarizes one flush pass.
type flushResult struct {
	delivered int
	failed    int // failed attempts this pass (retried or dropped)
	dropped   int // dropped permanently this pass
}

// flush attempts to publish every message queued before this pass, in FIFO
// order. Failed messages below the retry ceiling are re-enqueued for a later
// flush; messages at the ceiling are dropped and counted as permanent
// failures. Messages enqueued while the flush is running go out on the next
// pass.
func (q *messageQueue) flush(publish func(destination string, body json.RawMessage) error) flushResult {
	q.mu.Lock()
	batch := q.items
	q.items = nil
	q.mu.Unlock()

	var res flushResult
	for _, msg := range batch {
		if err := publish(msg.Destination, msg.Body); err != nil {
			res.failed++
			msg.RetryCount++
			if msg.RetryCount < q.maxRetries {
				q.mu.Lock()
				q.items = append(q.items, msg)
				q.mu.Unlock()
			} else {
				res.dropped++
				q.mu.Lock()
				q.dropped++
				q.mu.Unlock()
			}
			continue
		}
		res.delivered++
		q.mu.Lock()
		q.delivered++
		q.mu.Unlock()
	}
	return res
}

func (q *messageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *messageQueue) stats() (delivered, dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delivered, q.dropped
}

// clear discards all pending messages, used only on full session teardown.
func (q *messageQueue) clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
