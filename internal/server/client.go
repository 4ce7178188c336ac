package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the admin API of a running process.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL, e.g. "http://localhost:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Status retrieves pool and queue counters.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pause stops the pool from fetching new messages.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/pool/pause", nil, http.StatusNoContent, nil)
}

// Resume lets a paused pool fetch again.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/pool/resume", nil, http.StatusNoContent, nil)
}

// Actors lists the actors registered in the remote process.
func (c *Client) Actors(ctx context.Context) ([]ActorInfo, error) {
	var resp ListActorsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/actors", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Actors, nil
}

// Send enqueues a message for the named actor.
func (c *Client) Send(ctx context.Context, actorName string, body SendMessageBody) (*SendMessageResponse, error) {
	var resp SendMessageResponse
	path := "/api/v1/actors/" + url.PathEscape(actorName) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, body, http.StatusCreated, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeadLetters lists up to limit dead-lettered messages of queue; 0 means all.
func (c *Client) DeadLetters(ctx context.Context, queue string, limit int) (*ListDeadLettersResponse, error) {
	var resp ListDeadLettersResponse
	path := "/api/v1/queues/" + url.PathEscape(queue) + "/dead"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
