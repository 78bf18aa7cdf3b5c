package collab

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageQueue_FlushFIFO(t *testing.T) {
	q := newMessageQueue(3)
	q.enqueue("graft", json.RawMessage(`{"step":"a"}`))
	q.enqueue("prune", json.RawMessage(`{"step":"b"}`))
	q.enqueue("flag", json.RawMessage(`{"step":"c"}`))

	var order []string
	res := q.flush(func(destination string, body json.RawMessage) error {
		order = append(order, destination)
		return nil
	})

	assert.Equal(t, []string{"graft", "prune", "flag"}, order)
	assert.Equal(t, 3, res.delivered)
	assert.Equal(t, 0, q.len())

	delivered, dropped := q.stats()
	assert.Equal(t, 3, delivered)
	assert.Equal(t, 0, dropped)
}

func TestMessageQueue_BoundedRetry(t *testing.T) {
	q := newMessageQueue(3)
	q.enqueue("graft", json.RawMessage(`{}`))

	fail := func(string, json.RawMessage) error { return errors.New("down") }

	// Exactly three failed attempts, then the message is gone for good.
	attempts := 0
	for i := 0; i < 5; i++ {
		res := q.flush(func(d string, b json.RawMessage) error {
			attempts++
			return fail(d, b)
		})
		if i < 2 {
			require.Equal(t, 1, res.failed)
			require.Equal(t, 1, q.len(), "message should be re-enqueued on attempt %d", i+1)
		}
	}

	assert.Equal(t, 3, attempts)
	assert.Equal(t, 0, q.len())

	delivered, dropped := q.stats()
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, dropped)
}

func TestMessageQueue_PartialFailureKeepsFailedOnly(t *testing.T) {
	q := newMessageQueue(3)
	q.enqueue("graft", json.RawMessage(`{}`))
	q.enqueue("prune", json.RawMessage(`{}`))

	res := q.flush(func(destination string, body json.RawMessage) error {
		if destination == "prune" {
			return errors.New("down")
		}
		return nil
	})

	assert.Equal(t, 1, res.delivered)
	assert.Equal(t, 1, res.failed)
	assert.Equal(t, 0, res.dropped)
	assert.Equal(t, 1, q.len())
}

func TestMessageQueue_RetryCountNeverExceedsCeiling(t *testing.T) {
	q := newMessageQueue(3)
	q.enqueue("flag", json.RawMessage(`{}`))

	for i := 0; i < 10; i++ {
		q.flush(func(string, json.RawMessage) error { return errors.New("down") })
	}

	_, dropped := q.stats()
	assert.Equal(t, 1, dropped, "message is dropped once, not re-counted")
	assert.Equal(t, 0, q.len())
}
