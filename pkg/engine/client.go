// Package engine is a client for the local ComfyUI execution engine: job
// submission, history polling, output retrieval and progress events.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/fly-io/modelworker/pkg/errors"
)

// OutputFile locates one produced file on the engine.
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput is what one node reported producing.
type NodeOutput struct {
	Images []OutputFile `json:"images"`
}

// Status is the execution status attached to a history entry.
type Status struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// HistoryEntry is the engine's record of a finished prompt.
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  *Status               `json:"status,omitempty"`
}

// Failed reports whether the engine finished the prompt with an error.
func (h *HistoryEntry) Failed() bool {
	return h.Status != nil && h.Status.StatusStr == "error"
}

// Files lists every output file, in node-id order.
func (h *HistoryEntry) Files() []OutputFile {
	var files []OutputFile
	for _, id := range sortedKeys(h.Outputs) {
		files = append(files, h.Outputs[id].Images...)
	}
	return files
}

// Client talks to one engine instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for baseURL (e.g. http://127.0.0.1:8188);
// nil httpClient selects http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// BaseURL returns the engine address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type submitResponse struct {
	PromptID   string         `json:"prompt_id"`
	NodeErrors map[string]any `json:"node_errors"`
}

// Submit queues a prompt body and returns the engine's prompt id.
func (c *Client) Submit(ctx context.Context, body map[string]any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal prompt")
	}

	resp, err := c.do(ctx, http.MethodPost, "/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "failed to decode submit response")
	}
	if out.PromptID == "" {
		return "", fmt.Errorf("%w: submit response carried no prompt_id", errors.ErrEngine)
	}

	slog.Info("engine_prompt_queued", "prompt_id", out.PromptID, "node_errors", len(out.NodeErrors))
	return out.PromptID, nil
}

// History returns the entry for promptID, and false while the engine has not
// finished it.
func (c *Client) History(ctx context.Context, promptID string) (*HistoryEntry, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	var history map[string]HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, false, errors.Wrap(err, "failed to decode history")
	}

	entry, ok := history[promptID]
	if !ok || entry.Outputs == nil {
		return nil, false, nil
	}
	return &entry, true, nil
}

// View downloads the bytes of one output file.
func (c *Client) View(ctx context.Context, f OutputFile) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", f.Filename)
	q.Set("subfolder", f.Subfolder)
	q.Set("type", f.Type)

	resp, err := c.do(ctx, http.MethodGet, "/view?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read output "+f.Filename)
	}
	return data, nil
}

// DeleteQueued removes a prompt that has not started yet from the queue.
func (c *Client) DeleteQueued(ctx context.Context, promptID string) error {
	payload, _ := json.Marshal(map[string][]string{"delete": {promptID}})
	resp, err := c.do(ctx, http.MethodPost, "/queue", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Ping checks the engine answers.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/system_stats", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do sends a request and turns transport failures and non-2xx statuses into
// ErrEngine errors. The caller closes the body of a returned response.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", errors.ErrEngine, method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s: status code %d: %s",
			errors.ErrEngine, method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return resp, nil
}
