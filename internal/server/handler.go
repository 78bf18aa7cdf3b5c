package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"flowboard/internal/middleware"
	"flowboard/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: validate origin against the dashboard host in production
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// client is one WebSocket connection subscribed to a run.
type client struct {
	session *models.Session
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte // buffered outbound frames
}

// HandleSessionSocket upgrades the connection and subscribes it to the
// requested run.
func (h *Hub) HandleSessionSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	userID := r.URL.Query().Get("user_id")
	userName := r.URL.Query().Get("user_name")
	if userID == "" {
		userID = "anonymous-" + uuid.NewString()[:8]
	}
	if userName == "" {
		userName = userID
	}

	ctx, span := middleware.StartSpan(ctx, "Collab.SocketConnect",
		attribute.String("run.id", runID),
		attribute.String("user.id", userID),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	c := &client{
		session: models.NewSession(runID, userID, userName),
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 256),
	}

	h.register <- c

	go c.writePump()
	go c.readPump()

	log.Printf("✓ WebSocket connection established for run %s (user: %s)", runID, userID)
}

// readPump decodes client intents and feeds them to the hub. One goroutine
// per connection; exits when the connection drops.
func (c *client) readPump() {
	defer func() {
		// The hub loop may already be gone during shutdown.
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.session.LastActiveAt = time.Now()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		c.session.LastActiveAt = time.Now()

		var msg models.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("⚠️  Dropping malformed client message from %s: %v", c.session.UserID, err)
			continue
		}

		select {
		case c.hub.inbound <- &clientIntent{from: c, msg: msg}:
		case <-c.hub.done:
			return
		}
	}
}

// writePump serializes all writes for one connection and keeps it alive with
// periodic protocol pings. Separate goroutine so a slow client never blocks
// the hub.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
