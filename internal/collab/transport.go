package collab

import (
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"flowboard/internal/models"
)

// TransportStatus reports a transport state transition: a successful
// (re)connect or a failure (failed dial, dropped connection).
type TransportStatus struct {
	Connected bool
	Err       error
}

// Transport is a live push channel to one collaboration session. It redials
// on its own after drops (time-based backoff lives here, not in the engine)
// and reports every transition on Status so the engine can count failures
// and decide when to give up on push entirely.
type Transport interface {
	// Publish writes an outbound intent. Returns an error when the channel
	// is not currently established; it never blocks beyond a short write
	// deadline.
	Publish(msg models.ClientMessage) error

	// Inbound delivers decoded server events in arrival order.
	Inbound() <-chan models.CollaborationEvent

	// Status delivers connect/failure transitions.
	Status() <-chan TransportStatus

	// Close stops redialing and tears the channel down. Idempotent.
	Close() error
}

// DialFunc creates and starts a transport for a session. The engine uses
// the WebSocket implementation by default; tests inject fakes.
type DialFunc func(sessionID string) Transport

var errTransportDown = errors.New("transport not connected")

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 60 * time.Second
)

// wsTransport is the gorilla/websocket push transport. A single connect loop
// goroutine owns the dial/read cycle; writes are serialized by a mutex.
type wsTransport struct {
	url    string
	dialer *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn // nil while down; guarded by writeMu

	inbound chan models.CollaborationEvent
	status  chan TransportStatus

	done      chan struct{}
	closeOnce sync.Once
}

// newWebSocketTransport dials wsURL and keeps the channel alive with
// exponential backoff until Close.
func newWebSocketTransport(wsURL string) *wsTransport {
	t := &wsTransport{
		url:     wsURL,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		inbound: make(chan models.CollaborationEvent, 256),
		status:  make(chan TransportStatus, 16),
		done:    make(chan struct{}),
	}
	go t.connectLoop()
	return t
}

// WebSocketURL derives the session's push endpoint from an HTTP base URL.
func WebSocketURL(baseURL, sessionID, userID, userName string) string {
	ws := strings.Replace(baseURL, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("user_id", userID)
	if userName != "" {
		q.Set("user_name", userName)
	}
	return strings.TrimRight(ws, "/") + "/ws/sessions/" + url.PathEscape(sessionID) + "?" + q.Encode()
}

func (t *wsTransport) connectLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; the engine decides when to stop

	for {
		select {
		case <-t.done:
			return
		default:
		}

		conn, _, err := t.dialer.Dial(t.url, nil)
		if err != nil {
			t.report(TransportStatus{Err: err})
			if !t.sleep(bo.NextBackOff()) {
				return
			}
			continue
		}

		bo.Reset()
		t.setConn(conn)
		t.report(TransportStatus{Connected: true})

		err = t.readPump(conn)
		t.setConn(nil)
		conn.Close()

		select {
		case <-t.done:
			return
		default:
		}
		t.report(TransportStatus{Err: err})
		if !t.sleep(bo.NextBackOff()) {
			return
		}
	}
}

// readPump decodes events until the connection drops. Malformed frames are
// dropped silently; they must not kill the connection.
func (t *wsTransport) readPump(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteTimeout))
	})

	for {
		var ev models.CollaborationEvent
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if err := conn.ReadJSON(&ev); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				log.Printf("⚠️  Dropping malformed collaboration event: %v", err)
				continue
			}
			return err
		}
		select {
		case t.inbound <- ev:
		case <-t.done:
			return nil
		}
	}
}

func (t *wsTransport) Publish(msg models.ClientMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.conn == nil {
		return errTransportDown
	}
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.conn.WriteJSON(msg)
}

func (t *wsTransport) Inbound() <-chan models.CollaborationEvent { return t.inbound }
func (t *wsTransport) Status() <-chan TransportStatus            { return t.status }

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		if t.conn != nil {
			t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			t.conn.Close()
			t.conn = nil
		}
		t.writeMu.Unlock()
	})
	return nil
}

func (t *wsTransport) setConn(conn *websocket.Conn) {
	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()
}

func (t *wsTransport) report(st TransportStatus) {
	select {
	case t.status <- st:
	case <-t.done:
	}
}

// sleep waits for d or until Close. Returns false when closing.
func (t *wsTransport) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.done:
		return false
	}
}
