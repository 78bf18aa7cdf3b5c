package collab_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowboard/internal/collab"
	"flowboard/internal/models"
	"flowboard/internal/repository"
	"flowboard/internal/server"
)

// startTestServer brings up a hub plus HTTP API backed by in-memory history.
func startTestServer(t *testing.T) string {
	t.Helper()

	store := repository.NewMemoryEventStore()
	hub := server.NewHub(store)
	hub.Start()
	t.Cleanup(hub.Shutdown)

	ts := httptest.NewServer(server.SetupRoutes(server.NewAPI(hub, store)))
	t.Cleanup(ts.Close)
	return ts.URL
}

func startTestClient(t *testing.T, baseURL, userID string) *collab.Engine {
	t.Helper()

	engine, err := collab.NewEngine(collab.Options{
		BaseURL:      baseURL,
		UserID:       userID,
		PingInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestIntegration_TwoClientsSteerOneRun(t *testing.T) {
	baseURL := startTestServer(t)

	alice := startTestClient(t, baseURL, "alice")
	bob := startTestClient(t, baseURL, "bob")

	bobEvents, cancel := bob.Subscribe()
	defer cancel()

	alice.Connect("run-9")
	require.Eventually(t, alice.IsConnected, 2*time.Second, 10*time.Millisecond)

	bob.Connect("run-9")
	require.Eventually(t, bob.IsConnected, 2*time.Second, 10*time.Millisecond)

	// Both clients converge on the same active-user set.
	require.Eventually(t, func() bool {
		return len(alice.Presence().ActiveUsers) == 2 && len(bob.Presence().ActiveUsers) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"alice", "bob"}, alice.Presence().ActiveUsers)

	// A graft from alice reaches bob as a sequenced broadcast.
	alice.SendGraft("step-3", "critic")
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-bobEvents:
				if ev.EventType == models.EventTypeGraft && ev.UserID == "alice" {
					return ev.Sequenced()
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)

	// Cursor moves propagate through the full-snapshot cursor map.
	alice.SendCursorMove("node-3")
	require.Eventually(t, func() bool {
		return bob.Presence().Cursors["alice"] == "node-3"
	}, 2*time.Second, 10*time.Millisecond)

	// Bob leaves; alice sees the shrunken presence and no stale cursor.
	bob.Disconnect()
	require.Eventually(t, func() bool {
		users := alice.Presence().ActiveUsers
		return len(users) == 1 && users[0] == "alice"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIntegration_LateJoinerReplaysHistory(t *testing.T) {
	baseURL := startTestServer(t)

	alice := startTestClient(t, baseURL, "alice")
	alice.Connect("run-5")
	require.Eventually(t, alice.IsConnected, 2*time.Second, 10*time.Millisecond)

	alice.SendFlag("step-1", "looks wrong")
	alice.SendPrune("step-2", true)

	// Give the hub time to stamp and persist both intents.
	time.Sleep(100 * time.Millisecond)

	carol := startTestClient(t, baseURL, "carol")
	carolEvents, cancel := carol.Subscribe()
	defer cancel()

	carol.Connect("run-5")
	require.Eventually(t, carol.IsConnected, 2*time.Second, 10*time.Millisecond)

	// Carol's replay delivers the history she missed.
	var gotFlag, gotPrune bool
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-carolEvents:
				switch ev.EventType {
				case models.EventTypeFlag:
					gotFlag = true
				case models.EventTypePrune:
					gotPrune = true
				}
			default:
				return gotFlag && gotPrune
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}
