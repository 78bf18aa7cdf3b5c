package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowboard/internal/models"
	"flowboard/internal/repository"
)

func newTestServer(t *testing.T) (*httptest.Server, *Hub, *repository.MemoryEventStore) {
	t.Helper()

	store := repository.NewMemoryEventStore()
	hub := NewHub(store)
	hub.Start()
	t.Cleanup(hub.Shutdown)

	srv := httptest.NewServer(SetupRoutes(NewAPI(hub, store)))
	t.Cleanup(srv.Close)
	return srv, hub, store
}

func dialRun(t *testing.T, srv *httptest.Server, runID, userID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/ws/sessions/" + runID + "?user_id=" + userID + "&user_name=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func seedEvent(t *testing.T, store *repository.MemoryEventStore, runID string, seq int64, eventType models.EventType) {
	t.Helper()
	require.NoError(t, store.Append(context.Background(), runID, models.CollaborationEvent{
		EventType:      eventType,
		UserID:         "seeder",
		Timestamp:      models.NowMillis(),
		SequenceNumber: &seq,
	}))
}

func TestReplayEvents_AfterCursor(t *testing.T) {
	srv, _, store := newTestServer(t)

	seedEvent(t, store, "run-1", 1, models.EventTypeGraft)
	seedEvent(t, store, "run-1", 2, models.EventTypePrune)
	seedEvent(t, store, "run-1", 3, models.EventTypeFlag)

	resp, err := http.Get(srv.URL + "/api/sessions/run-1/events?after=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var events []models.CollaborationEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), *events[0].SequenceNumber)
	assert.Equal(t, int64(3), *events[1].SequenceNumber)
}

func TestReplayEvents_EmptyRunReturnsEmptyArray(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/sessions/run-empty/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var events []models.CollaborationEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestReplayEvents_BadCursor(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/sessions/run-1/events?after=banana")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPoll_ReturnsEventsAndPresence(t *testing.T) {
	srv, _, _ := newTestServer(t)

	conn := dialRun(t, srv, "run-1", "alice")

	cursor, _ := json.Marshal(models.CursorPayload{NodeID: "node-7"})
	intent := models.ClientMessage{
		Destination: models.DestCursor,
		UserID:      "alice",
		Body:        cursor,
		SentAt:      models.NowMillis(),
	}
	require.NoError(t, conn.WriteJSON(intent))

	// The hub processes the intent asynchronously; poll until presence shows it.
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/sessions/run-1/poll")
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		var got pollResponse
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			return false
		}
		return len(got.ActiveUsers) == 1 &&
			got.ActiveUsers[0] == "alice" &&
			got.CursorPositions["alice"] == "node-7" &&
			len(got.Events) >= 2 // USER_JOIN plus CURSOR_MOVE at minimum
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHub_SequenceResumesFromStoredHistory(t *testing.T) {
	srv, _, store := newTestServer(t)

	// History from a previous process ended at sequence 7.
	seedEvent(t, store, "run-1", 7, models.EventTypeFlag)

	conn := dialRun(t, srv, "run-1", "alice")

	// The join broadcast is the first stamped event after restart.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev models.CollaborationEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventTypeUserJoin, ev.EventType)
	require.NotNil(t, ev.SequenceNumber)
	assert.Equal(t, int64(8), *ev.SequenceNumber)
}

func TestHub_ShutdownReleasesConnectionGoroutines(t *testing.T) {
	store := repository.NewMemoryEventStore()
	hub := NewHub(store)
	hub.Start()
	srv := httptest.NewServer(SetupRoutes(NewAPI(hub, store)))
	defer srv.Close()

	before := runtime.NumGoroutine()

	for _, user := range []string{"alice", "bob", "carol"} {
		dialRun(t, srv, "run-1", user)
	}
	require.Eventually(t, func() bool {
		users, _ := hub.PresenceSnapshot("run-1")
		return len(users) == 3
	}, 2*time.Second, 10*time.Millisecond)

	hub.Shutdown()

	// Every per-connection pump must exit. A read pump blocked handing its
	// departed connection back to the stopped hub loop would keep the count
	// elevated forever.
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHub_PingAnsweredDirectlyAndUnsequenced(t *testing.T) {
	srv, _, _ := newTestServer(t)

	alice := dialRun(t, srv, "run-1", "alice")

	// Drain the join broadcast first.
	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	var join models.CollaborationEvent
	require.NoError(t, alice.ReadJSON(&join))
	require.Equal(t, models.EventTypeUserJoin, join.EventType)

	body, _ := json.Marshal(models.PingPayload{SentAt: models.NowMillis()})
	require.NoError(t, alice.WriteJSON(models.ClientMessage{
		Destination: models.DestPing,
		UserID:      "alice",
		Body:        body,
		SentAt:      models.NowMillis(),
	}))

	var pong models.CollaborationEvent
	require.NoError(t, alice.ReadJSON(&pong))
	assert.Equal(t, models.EventTypePong, pong.EventType)
	assert.Nil(t, pong.SequenceNumber, "pong must not consume a sequence number")
	assert.JSONEq(t, string(body), string(pong.Data))
}
