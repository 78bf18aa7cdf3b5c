package collab

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"flowboard/internal/middleware"
	"flowboard/internal/models"
)

/*
COLLABORATION SYNCHRONIZATION ENGINE

One Engine instance owns one live collaboration session at a time. It keeps a
push channel (WebSocket) to the session, announces presence, replays events
missed during disconnect windows, queues outbound intents while the channel
is down, scores connection quality, and - once the push channel has failed
too many times in a row - degrades to periodic HTTP polling for the rest of
the session.

Transport faults never cross the public API as errors. The application sees
them only through the derived ConnectionHealth, IsUsingFallback and
QueuedMessageCount signals.
*/

// Engine tunable defaults, overridable through Options for tests.
const (
	defaultRetryCeiling     = 3  // publish attempts per queued message
	defaultReconnectCeiling = 5  // consecutive transport failures before fallback
	defaultLatencyWindow    = 20 // bounded ring of round-trip samples
	defaultPollInterval     = 2 * time.Second
	defaultPingInterval     = 10 * time.Second
	defaultHTTPTimeout      = 5 * time.Second
)

// Options configures an Engine. Zero values take the protocol defaults.
type Options struct {
	// BaseURL is the collaboration server's HTTP base URL.
	BaseURL string

	// UserID identifies this client in presence and outbound intents.
	UserID string

	// UserName is the optional display name announced on join.
	UserName string

	RetryCeiling     int
	ReconnectCeiling int
	PollInterval     time.Duration
	PingInterval     time.Duration
	LatencyWindow    int

	// JournalPath, when set, persists per-session sequence watermarks in a
	// bbolt file so a restarted client replays only what it missed.
	JournalPath string

	// Dial overrides the transport factory; tests inject fakes here.
	Dial DialFunc

	HTTPClient *http.Client
}

func (o *Options) normalize() {
	if o.RetryCeiling <= 0 {
		o.RetryCeiling = defaultRetryCeiling
	}
	if o.ReconnectCeiling <= 0 {
		o.ReconnectCeiling = defaultReconnectCeiling
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.LatencyWindow <= 0 {
		o.LatencyWindow = defaultLatencyWindow
	}
}

// session is the per-Connect state torn down as a unit.
type session struct {
	id        string
	transport Transport
	done      chan struct{}
	wg        sync.WaitGroup
	seen      map[int64]struct{} // sequence numbers already forwarded (dedupe)
}

// Engine is the Connection Manager: it mediates between the transport and
// the queue, tracker, scorer and aggregator, and exposes the public API the
// application shell consumes.
type Engine struct {
	opts Options
	dial DialFunc
	api  *sessionAPI

	queue    *messageQueue
	tracker  *sequenceTracker
	health   *healthMonitor
	presence *presenceAggregator
	emitter  *eventEmitter
	states   *stateEmitter
	journal  *watermarkJournal

	mu                  sync.Mutex
	state               models.ConnectionState
	sessionID           string
	fallback            bool
	consecutiveFailures int
	sess                *session
}

// NewEngine builds an Engine. It does not connect; call Connect with a
// session id when a collaboration view mounts.
func NewEngine(opts Options) (*Engine, error) {
	opts.normalize()

	var journal *watermarkJournal
	if opts.JournalPath != "" {
		j, err := openWatermarkJournal(opts.JournalPath)
		if err != nil {
			return nil, err
		}
		journal = j
	}

	e := &Engine{
		opts:     opts,
		api:      newSessionAPI(opts.BaseURL, opts.HTTPClient),
		queue:    newMessageQueue(opts.RetryCeiling),
		tracker:  newSequenceTracker(journal),
		health:   newHealthMonitor(opts.LatencyWindow),
		presence: newPresenceAggregator(),
		emitter:  newEventEmitter(0),
		states:   newStateEmitter(0),
		journal:  journal,
		state:    models.StateDisconnected,
	}

	e.dial = opts.Dial
	if e.dial == nil {
		e.dial = func(sessionID string) Transport {
			return newWebSocketTransport(WebSocketURL(opts.BaseURL, sessionID, opts.UserID, opts.UserName))
		}
	}
	return e, nil
}

// Connect joins a collaboration session. Connecting to the session already
// active is a no-op unless the session has degraded to polling: fallback is
// terminal for a session, and a fresh Connect is the documented way back to
// push, so it always starts over. Connecting to a different session fully
// tears down the old one first so no timer or subscription can leak across
// sessions. Returns immediately; outcomes arrive through the observer APIs.
func (e *Engine) Connect(sessionID string) {
	e.mu.Lock()
	if e.sess != nil && e.sessionID == sessionID && !e.fallback {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.Disconnect()

	_, span := middleware.StartSpan(context.Background(), "Collab.Connect",
		attribute.String("session.id", sessionID),
	)
	defer span.End()

	e.mu.Lock()
	e.sessionID = sessionID
	changed := e.state != models.StateConnecting
	e.state = models.StateConnecting
	e.fallback = false
	e.consecutiveFailures = 0
	e.health.reset()
	e.presence.reset()
	e.tracker.begin(sessionID)

	s := &session{
		id:        sessionID,
		transport: e.dial(sessionID),
		done:      make(chan struct{}),
		seen:      make(map[int64]struct{}),
	}
	e.sess = s
	e.mu.Unlock()

	if changed {
		e.states.emit(models.StateConnecting)
	}
	log.Printf("🔄 Joining collaboration session %s as %s", sessionID, e.opts.UserID)

	s.wg.Add(1)
	go e.run(s)
}

// Disconnect leaves the current session: best-effort leave announce, then a
// synchronous teardown of the transport, tickers and presence. Safe to call
// repeatedly and on a never-connected engine. Queued outbound intents
// survive so a later Connect can still flush them.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	s := e.sess
	e.sess = nil
	e.sessionID = ""
	changed := e.state != models.StateDisconnected
	e.state = models.StateDisconnected
	e.fallback = false
	e.mu.Unlock()

	if changed {
		e.states.emit(models.StateDisconnected)
	}
	if s == nil {
		return
	}

	// Best effort: tell the server we are leaving before tearing down.
	_ = s.transport.Publish(models.ClientMessage{
		Destination: models.DestLeave,
		UserID:      e.opts.UserID,
		SentAt:      models.NowMillis(),
	})

	close(s.done)
	s.transport.Close()
	s.wg.Wait()

	e.presence.reset()
	e.health.setConnected(false)
	log.Printf("✓ Left collaboration session %s", s.id)
}

// Close disconnects, discards any still-queued intents and releases the
// watermark journal. The Engine is unusable afterwards.
func (e *Engine) Close() error {
	e.Disconnect()
	e.queue.clear()
	e.emitter.closeAll()
	e.states.closeAll()
	if e.journal != nil {
		return e.journal.close()
	}
	return nil
}

// run is the session event loop. All timer- and transport-driven work for
// one session happens here; closing s.done ends it.
func (e *Engine) run(s *session) {
	defer s.wg.Done()

	ping := time.NewTicker(e.opts.PingInterval)
	ping.Stop() // armed on first successful connect
	poll := time.NewTicker(e.opts.PollInterval)
	poll.Stop() // armed on fallback switchover
	defer ping.Stop()
	defer poll.Stop()

	for {
		select {
		case <-s.done:
			return
		case ev := <-s.transport.Inbound():
			e.handleInbound(s, ev)
		case st := <-s.transport.Status():
			e.handleStatus(s, st, ping, poll)
		case <-ping.C:
			e.sendPing(s)
		case <-poll.C:
			e.pollOnce(s)
		}
	}
}

// handleStatus reacts to transport transitions: connect-side bring-up
// (announce, replay, flush, ping probe) and failure-side accounting that
// eventually trips the polling fallback.
func (e *Engine) handleStatus(s *session, st TransportStatus, ping, poll *time.Ticker) {
	if st.Connected {
		e.mu.Lock()
		if e.sess != s || e.fallback {
			e.mu.Unlock()
			return
		}
		changed := e.state != models.StateConnected
		e.state = models.StateConnected
		e.consecutiveFailures = 0
		e.mu.Unlock()

		if changed {
			e.states.emit(models.StateConnected)
		}
		e.health.setConnected(true)
		log.Printf("✓ Push transport connected for session %s", s.id)

		e.announceJoin(s)
		e.replay(s)
		e.flushQueue(s)
		ping.Reset(e.opts.PingInterval)
		return
	}

	// Transport failure: never fatal, only degrading.
	e.health.setConnected(false)
	e.health.recordReconnection()
	ping.Stop()

	e.mu.Lock()
	if e.sess != s {
		e.mu.Unlock()
		return
	}
	e.consecutiveFailures++
	failures := e.consecutiveFailures
	prev := e.state
	switchover := false
	if !e.fallback {
		if failures >= e.opts.ReconnectCeiling {
			e.fallback = true
			e.state = models.StateFallbackPolling
			switchover = true
		} else {
			e.state = models.StateReconnecting
		}
	}
	next := e.state
	e.mu.Unlock()

	if next != prev {
		e.states.emit(next)
	}

	if st.Err != nil {
		log.Printf("⚠️  Push transport failure %d/%d for session %s: %v",
			failures, e.opts.ReconnectCeiling, s.id, st.Err)
	}

	if switchover {
		log.Printf("🛑 Push transport given up for session %s, falling back to polling every %s",
			s.id, e.opts.PollInterval)
		s.transport.Close()
		e.pollOnce(s)
		poll.Reset(e.opts.PollInterval)
	}
}

// handleInbound runs every event - live, replayed or polled - through the
// same pipeline: watermark, presence merge, fan-out. PONGs are consumed
// internally as latency samples and never forwarded.
func (e *Engine) handleInbound(s *session, ev models.CollaborationEvent) {
	if ev.EventType == models.EventTypePong {
		e.recordPong(ev)
		return
	}

	forward := true
	if ev.Sequenced() {
		seq := *ev.SequenceNumber
		e.tracker.observe(seq)
		if _, dup := s.seen[seq]; dup {
			forward = false // already delivered once (replay/live overlap)
		} else {
			s.seen[seq] = struct{}{}
		}
	}

	// Presence merges are wholesale snapshots, so re-applying a duplicate
	// is harmless.
	e.presence.apply(ev)

	if forward {
		e.emitter.emit(ev)
	}
}

// replay asks the server for everything missed since the tracker's position,
// or the full session history when no position is known. Failures are logged
// and left to the next reconnect's replay attempt.
func (e *Engine) replay(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultHTTPTimeout)
	defer cancel()

	var after *int64
	if seq, ok := e.tracker.position(); ok {
		after = &seq
	}
	events, err := e.api.fetchEvents(ctx, s.id, after)
	if err != nil {
		log.Printf("⚠️  Replay fetch failed for session %s: %v", s.id, err)
		return
	}
	for _, ev := range events {
		e.handleInbound(s, ev)
	}
	if len(events) > 0 {
		log.Printf("✓ Replayed %d events for session %s", len(events), s.id)
	}
}

// pollOnce is one fallback polling cycle: fetch events past the watermark
// plus the authoritative presence snapshot. Errors are logged and ignored;
// the next scheduled poll is the retry.
func (e *Engine) pollOnce(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultHTTPTimeout)
	defer cancel()

	var after *int64
	if seq, ok := e.tracker.position(); ok {
		after = &seq
	}
	res, err := e.api.poll(ctx, s.id, after)
	if err != nil {
		log.Printf("⚠️  Poll failed for session %s: %v", s.id, err)
		return
	}
	for _, ev := range res.Events {
		e.handleInbound(s, ev)
	}
	e.presence.seed(res.ActiveUsers, res.CursorPositions)
}

// announceJoin publishes the join intent directly, bypassing the queue.
func (e *Engine) announceJoin(s *session) {
	if err := s.transport.Publish(models.ClientMessage{
		Destination: models.DestJoin,
		UserID:      e.opts.UserID,
		SentAt:      models.NowMillis(),
	}); err != nil {
		log.Printf("⚠️  Join announce failed for session %s: %v", s.id, err)
	}
}

// sendPing publishes a timestamped ping; the matching PONG becomes a
// round-trip sample.
func (e *Engine) sendPing(s *session) {
	body, _ := json.Marshal(models.PingPayload{SentAt: models.NowMillis()})
	_ = s.transport.Publish(models.ClientMessage{
		Destination: models.DestPing,
		UserID:      e.opts.UserID,
		Body:        body,
		SentAt:      models.NowMillis(),
	})
}

func (e *Engine) recordPong(ev models.CollaborationEvent) {
	var ping models.PingPayload
	if err := json.Unmarshal(ev.Data, &ping); err != nil || ping.SentAt == 0 {
		return
	}
	rtt := models.NowMillis() - ping.SentAt
	if rtt < 0 {
		return
	}
	e.health.recordLatency(float64(rtt))
}

// flushQueue publishes every queued intent in FIFO order. Invoked whenever
// the transport comes (back) up; if the connection is already gone again by
// then, the queue is left untouched rather than risking silent loss.
func (e *Engine) flushQueue(s *session) {
	e.mu.Lock()
	live := e.sess == s && e.state == models.StateConnected && !e.fallback
	e.mu.Unlock()
	if !live {
		return
	}

	res := e.queue.flush(func(destination string, body json.RawMessage) error {
		return s.transport.Publish(models.ClientMessage{
			Destination: destination,
			UserID:      e.opts.UserID,
			Body:        body,
			SentAt:      models.NowMillis(),
		})
	})
	for i := 0; i < res.delivered; i++ {
		e.health.recordDelivery(true)
	}
	for i := 0; i < res.failed; i++ {
		e.health.recordDelivery(false)
	}
	if res.delivered > 0 || res.dropped > 0 {
		log.Printf("✓ Flushed queue for session %s: %d delivered, %d dropped", s.id, res.delivered, res.dropped)
	}
}

// Send publishes an outbound intent, or queues it when the push transport is
// unavailable. It never blocks and never returns an error: delivery trouble
// shows up only in ConnectionHealth and QueuedMessageCount.
func (e *Engine) Send(destination string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("⚠️  Dropping unencodable %s intent: %v", destination, err)
		return
	}

	e.mu.Lock()
	s := e.sess
	live := s != nil && e.state == models.StateConnected && !e.fallback
	e.mu.Unlock()

	if !live {
		e.queue.enqueue(destination, body)
		return
	}

	msg := models.ClientMessage{
		Destination: destination,
		UserID:      e.opts.UserID,
		Body:        body,
		SentAt:      models.NowMillis(),
	}
	if err := s.transport.Publish(msg); err != nil {
		e.queue.enqueue(destination, body)
		e.health.recordDelivery(false)
		return
	}
	e.health.recordDelivery(true)
}

// Typed convenience wrappers over Send.

// SendGraft grafts a new agent step after an existing one.
func (e *Engine) SendGraft(afterStepID, agentName string) {
	e.Send(models.DestGraft, models.GraftPayload{AfterStepID: afterStepID, AgentName: agentName})
}

// SendPrune sets or clears a step's pruned state.
func (e *Engine) SendPrune(stepID string, isPruned bool) {
	e.Send(models.DestPrune, models.PrunePayload{StepID: stepID, IsPruned: isPruned})
}

// SendFlag flags a workflow node, optionally with a note.
func (e *Engine) SendFlag(stepID, note string) {
	e.Send(models.DestFlag, models.FlagPayload{StepID: stepID, Note: note})
}

// SendCursorMove reports this user's attention moving to a node.
func (e *Engine) SendCursorMove(nodeID string) {
	e.Send(models.DestCursor, models.CursorPayload{NodeID: nodeID})
}

// Observer APIs.

// Subscribe registers an observer of the de-duplicated event stream. Every
// subscriber sees the same events; cancel releases the subscription.
func (e *Engine) Subscribe() (<-chan models.CollaborationEvent, func()) {
	return e.emitter.subscribe()
}

// SubscribeState registers an observer of connection-state transitions, so a
// status indicator can react to CONNECTED/RECONNECTING/FALLBACK_POLLING
// changes without polling State.
func (e *Engine) SubscribeState() (<-chan models.ConnectionState, func()) {
	return e.states.subscribe()
}

// State returns the connection lifecycle state.
func (e *Engine) State() models.ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsConnected reports whether the push transport is currently up.
func (e *Engine) IsConnected() bool {
	return e.State() == models.StateConnected
}

// IsUsingFallback reports whether the engine has degraded to HTTP polling.
func (e *Engine) IsUsingFallback() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fallback
}

// SessionID returns the active session id, or "" when disconnected.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// QueuedMessageCount returns the number of outbound intents awaiting
// delivery, for user-facing connection-status indicators.
func (e *Engine) QueuedMessageCount() int {
	return e.queue.len()
}

// Health returns the current connection quality snapshot.
func (e *Engine) Health() models.ConnectionHealth {
	return e.health.snapshot()
}

// Presence returns the current presence snapshot.
func (e *Engine) Presence() models.PresenceState {
	return e.presence.snapshot()
}
