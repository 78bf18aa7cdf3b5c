package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"flowboard/internal/middleware"
	"flowboard/internal/models"
	"flowboard/internal/repository"
)

// API serves the pull side of the transport contract: event replay for
// reconnecting clients and the polling endpoint for clients that have given
// up on push.
type API struct {
	hub   *Hub
	store repository.EventStore
}

func NewAPI(hub *Hub, store repository.EventStore) *API {
	return &API{hub: hub, store: store}
}

// SetupRoutes builds the router: tracing first, then recovery, then CORS.
func SetupRoutes(api *API) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	s := r.PathPrefix("/api").Subrouter()
	s.HandleFunc("/sessions/{id}/events", api.ReplayEvents).Methods("GET")
	s.HandleFunc("/sessions/{id}/poll", api.Poll).Methods("GET")
	s.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	r.HandleFunc("/ws/sessions/{id}", api.hub.HandleSessionSocket)

	return r
}

// ReplayEvents returns stored events for a run, optionally only those with
// sequence strictly greater than the "after" cursor.
func (a *API) ReplayEvents(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	after, err := afterCursor(r)
	if err != nil {
		http.Error(w, "invalid after cursor", http.StatusBadRequest)
		return
	}

	events, err := a.store.After(r.Context(), runID, after)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []models.CollaborationEvent{}
	}

	writeJSON(w, events)
}

// pollResponse bundles new events with the authoritative presence snapshot
// so polling clients converge in one round trip.
type pollResponse struct {
	Events          []models.CollaborationEvent `json:"events"`
	ActiveUsers     []string                    `json:"activeUsers"`
	CursorPositions map[string]string           `json:"cursorPositions"`
}

// Poll serves one fallback polling cycle.
func (a *API) Poll(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	after, err := afterCursor(r)
	if err != nil {
		http.Error(w, "invalid after cursor", http.StatusBadRequest)
		return
	}

	events, err := a.store.After(r.Context(), runID, after)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []models.CollaborationEvent{}
	}

	activeUsers, cursors := a.hub.PresenceSnapshot(runID)
	writeJSON(w, pollResponse{
		Events:          events,
		ActiveUsers:     activeUsers,
		CursorPositions: cursors,
	})
}

func afterCursor(r *http.Request) (*int64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
