// Package registry talks to the external stream registry: mountpoint
// creation, liveness keepalives and removal, all JSON over HTTP.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// CodeDuplicateID is reported by the registry when the requested stream id
// is already taken.
const CodeDuplicateID = 11000

// Client is a thin HTTP-JSON client for the registry services.
type Client struct {
	httpc *http.Client
}

// NewClient creates a registry client with a request timeout.
func NewClient() *Client {
	return &Client{
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateRequest announces a new RTSP mountpoint to the registry.
type CreateRequest struct {
	URI string `json:"uri"`
	ID  string `json:"id"`
}

// CreateResponse carries the registry-assigned entry id, or an error code
// such as CodeDuplicateID.
type CreateResponse struct {
	ID   string `json:"_id"`
	Code int    `json:"code"`
}

// Create registers a mountpoint and returns the registry's response.
func (c *Client) Create(ctx context.Context, url string, req CreateRequest) (*CreateResponse, error) {
	body, err := c.do(ctx, http.MethodPost, url, req)
	if err != nil {
		return nil, err
	}

	var resp CreateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("registry create: decode response: %w", err)
	}
	return &resp, nil
}

// Keepalive reports the bridge process as alive, promising the next ping
// within the given interval.
func (c *Client) Keepalive(ctx context.Context, url, pid string, interval time.Duration) error {
	payload := map[string]string{
		"pid": pid,
		"dly": strconv.Itoa(int(interval / time.Second)),
	}
	_, err := c.do(ctx, http.MethodPost, url, payload)
	return err
}

// Delete removes a registry entry (a mountpoint or the keepalive pid).
func (c *Client) Delete(ctx context.Context, url string) error {
	_, err := c.do(ctx, http.MethodDelete, url, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, url string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("registry %s %s: encode request: %w", method, url, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("registry %s %s: %w", method, url, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("registry %s %s: read response: %w", method, url, err)
	}
	return body, nil
}
