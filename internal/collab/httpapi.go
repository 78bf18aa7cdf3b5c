package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"flowboard/internal/middleware"
	"flowboard/internal/models"
)

// sessionAPI is the HTTP pull side of the transport contract: the replay
// endpoint used after every (re)connect and the polling endpoint used once
// push has been given up on.
type sessionAPI struct {
	baseURL string
	client  *http.Client
}

func newSessionAPI(baseURL string, client *http.Client) *sessionAPI {
	if client == nil {
		client = http.DefaultClient
	}
	return &sessionAPI{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// pollResult is the polling endpoint's response: new events plus the
// authoritative presence snapshot.
type pollResult struct {
	Events          []models.CollaborationEvent `json:"events"`
	ActiveUsers     []string                    `json:"activeUsers"`
	CursorPositions map[string]string           `json:"cursorPositions"`
}

// fetchEvents requests replay of events for a session. A nil after cursor
// requests the full session history; otherwise only events with sequence
// strictly greater than after are returned.
func (a *sessionAPI) fetchEvents(ctx context.Context, sessionID string, after *int64) ([]models.CollaborationEvent, error) {
	ctx, span := middleware.StartSpan(ctx, "Collab.FetchReplay",
		attribute.String("session.id", sessionID),
	)
	defer span.End()

	var events []models.CollaborationEvent
	u := a.endpoint(sessionID, "events", after)
	if err := a.getJSON(ctx, u, &events); err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("replay.events", len(events)))
	return events, nil
}

// poll fetches new events and the current presence snapshot in one round trip.
func (a *sessionAPI) poll(ctx context.Context, sessionID string, after *int64) (*pollResult, error) {
	ctx, span := middleware.StartSpan(ctx, "Collab.Poll",
		attribute.String("session.id", sessionID),
	)
	defer span.End()

	var res pollResult
	u := a.endpoint(sessionID, "poll", after)
	if err := a.getJSON(ctx, u, &res); err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	return &res, nil
}

func (a *sessionAPI) endpoint(sessionID, op string, after *int64) string {
	u := a.baseURL + "/api/sessions/" + url.PathEscape(sessionID) + "/" + op
	if after != nil {
		u += "?after=" + strconv.FormatInt(*after, 10)
	}
	return u
}

func (a *sessionAPI) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
