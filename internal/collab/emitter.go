package collab

import (
	"log"
	"sync"

	"flowboard/internal/models"
)

// eventEmitter fans the inbound event stream out to any number of
// subscribers. Subscribers observe the same stream without consuming it.
//
// A slow subscriber never blocks the engine: when its buffer is full the
// event is dropped for that subscriber only, mirroring how the server side
// treats clients that cannot keep up.
type eventEmitter struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan models.CollaborationEvent
	buffer int
}

func newEventEmitter(buffer int) *eventEmitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &eventEmitter{
		subs:   make(map[int]chan models.CollaborationEvent),
		buffer: buffer,
	}
}

// subscribe registers a new observer. The returned cancel func removes the
// subscription and closes its channel; it is safe to call more than once.
func (em *eventEmitter) subscribe() (<-chan models.CollaborationEvent, func()) {
	em.mu.Lock()
	id := em.nextID
	em.nextID++
	ch := make(chan models.CollaborationEvent, em.buffer)
	em.subs[id] = ch
	em.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			em.mu.Lock()
			if c, ok := em.subs[id]; ok {
				delete(em.subs, id)
				close(c)
			}
			em.mu.Unlock()
		})
	}
	return ch, cancel
}

// emit delivers an event to every subscriber, dropping it for subscribers
// whose buffers are full.
func (em *eventEmitter) emit(ev models.CollaborationEvent) {
	em.mu.Lock()
	defer em.mu.Unlock()

	for id, ch := range em.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("⚠️  Subscriber %d buffer full, dropping %s event", id, ev.EventType)
		}
	}
}

// closeAll drops every subscription, closing their channels.
func (em *eventEmitter) closeAll() {
	em.mu.Lock()
	defer em.mu.Unlock()
	for id, ch := range em.subs {
		delete(em.subs, id)
		close(ch)
	}
}

// stateEmitter fans connection-state transitions out to subscribers so a
// status indicator can react to CONNECTED/RECONNECTING/FALLBACK_POLLING
// changes without polling. Same drop-on-full policy as eventEmitter.
type stateEmitter struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan models.ConnectionState
	buffer int
}

func newStateEmitter(buffer int) *stateEmitter {
	if buffer <= 0 {
		buffer = 16
	}
	return &stateEmitter{
		subs:   make(map[int]chan models.ConnectionState),
		buffer: buffer,
	}
}

func (em *stateEmitter) subscribe() (<-chan models.ConnectionState, func()) {
	em.mu.Lock()
	id := em.nextID
	em.nextID++
	ch := make(chan models.ConnectionState, em.buffer)
	em.subs[id] = ch
	em.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			em.mu.Lock()
			if c, ok := em.subs[id]; ok {
				delete(em.subs, id)
				close(c)
			}
			em.mu.Unlock()
		})
	}
	return ch, cancel
}

func (em *stateEmitter) emit(state models.ConnectionState) {
	em.mu.Lock()
	defer em.mu.Unlock()

	for id, ch := range em.subs {
		select {
		case ch <- state:
		default:
			log.Printf("⚠️  State subscriber %d buffer full, dropping %s transition", id, state)
		}
	}
}

func (em *stateEmitter) closeAll() {
	em.mu.Lock()
	defer em.mu.Unlock()
	for id, ch := range em.subs {
		delete(em.subs, id)
		close(ch)
	}
}
