package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/gorilla/websocket"
)

// Event is one message from the engine's websocket.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ProgressData is the payload of "progress" and "executing" events.
type ProgressData struct {
	PromptID string  `json:"prompt_id"`
	Node     *string `json:"node,omitempty"`
	Value    int     `json:"value,omitempty"`
	Max      int     `json:"max,omitempty"`
}

// Progress decodes the event payload; ok is false for other event types.
func (e Event) Progress() (ProgressData, bool) {
	var p ProgressData
	if e.Type != "progress" && e.Type != "executing" && e.Type != "execution_error" {
		return p, false
	}
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return p, false
	}
	return p, true
}

// WebsocketURL returns the engine's event endpoint for clientID.
func (c *Client) WebsocketURL(clientID string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws?clientId=" + url.QueryEscape(clientID)
}

// Watch streams JSON events addressed to clientID into fn until ctx ends or
// the connection drops. Binary frames (previews) are skipped.
func (c *Client) Watch(ctx context.Context, clientID string, fn func(Event)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.WebsocketURL(clientID), nil)
	if err != nil {
		return errors.Wrap(err, "failed to open engine websocket")
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "engine websocket closed")
		}
		if kind != websocket.TextMessage {
			continue
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Debug("engine_event_undecodable", "error", err)
			continue
		}
		fn(ev)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
