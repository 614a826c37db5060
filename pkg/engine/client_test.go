package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fly-io/modelworker/pkg/errors"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/prompt", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"prompt_id": "p-1", "number": 0, "node_errors": {}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", srv.Client())
	id, err := c.Submit(context.Background(), map[string]any{"prompt": map[string]any{}, "client_id": "job_a"})

	require.NoError(t, err)
	assert.Equal(t, "p-1", id)
	assert.Equal(t, "job_a", got["client_id"])
}

func TestSubmit_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"type": "prompt_outputs_failed_validation"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, srv.Client()).Submit(context.Background(), map[string]any{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEngine))
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "prompt_outputs_failed_validation")
}

func TestHistory(t *testing.T) {
	done := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/history/p-1", r.URL.Path)
		if !done {
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(`{"p-1": {"outputs": {
			"9": {"images": [{"filename": "b.png", "subfolder": "", "type": "output"}]},
			"10": {"images": [{"filename": "a.png", "subfolder": "s", "type": "output"}]}
		}, "status": {"status_str": "success", "completed": true}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())

	_, ok, err := c.History(context.Background(), "p-1")
	require.NoError(t, err)
	assert.False(t, ok)

	done = true
	entry, ok, err := c.History(context.Background(), "p-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, entry.Failed())
	assert.Equal(t, []OutputFile{
		{Filename: "a.png", Subfolder: "s", Type: "output"},
		{Filename: "b.png", Subfolder: "", Type: "output"},
	}, entry.Files())
}

func TestView_EncodesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "job_1_a b.png", r.URL.Query().Get("filename"))
		assert.Equal(t, "sub/dir", r.URL.Query().Get("subfolder"))
		assert.Equal(t, "output", r.URL.Query().Get("type"))
		w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	data, err := NewClient(srv.URL, srv.Client()).View(context.Background(),
		OutputFile{Filename: "job_1_a b.png", Subfolder: "sub/dir", Type: "output"})

	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(data))
}

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:8188/ws?clientId=job_1", NewClient("http://127.0.0.1:8188", nil).WebsocketURL("job_1"))
	assert.Equal(t, "wss://engine/ws?clientId=a%2Bb", NewClient("https://engine", nil).WebsocketURL("a+b"))
}

func TestWatch(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "job_1", r.URL.Query().Get("clientId"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "progress", "data": {"prompt_id": "p-1", "value": 3, "max": 20}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "executing", "data": {"prompt_id": "p-1", "node": null}}`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []Event
	err := NewClient(srv.URL, srv.Client()).Watch(ctx, "job_1", func(ev Event) {
		events = append(events, ev)
	})

	assert.Error(t, err, "server closing the socket ends the watch")
	require.Len(t, events, 2)

	p, ok := events[0].Progress()
	require.True(t, ok)
	assert.Equal(t, 3, p.Value)
	assert.Equal(t, 20, p.Max)

	p, ok = events[1].Progress()
	require.True(t, ok)
	assert.Nil(t, p.Node)
}
