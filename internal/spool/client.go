// Package spool runs the desktop-side sync agent. The POS application
// drops change files into a spool directory (one subdirectory per
// table, one JSON file per change); the agent watches the spool,
// batches changes, and pushes them to the sync server over HTTP.
// Applied changes move to applied/, refused ones to rejects/ with the
// reason alongside.
package spool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tillsync/tillsync/internal/engine"
	"github.com/tillsync/tillsync/internal/model"
	"github.com/tillsync/tillsync/internal/server"
)

// Client talks to the sync server's REST API.
type Client struct {
	baseURL  string
	tenantID string
	clientID string
	http     *http.Client
}

// NewClient creates an API client for one registered installation.
func NewClient(baseURL, tenantID, clientID string) *Client {
	return &Client{
		baseURL:  baseURL,
		tenantID: tenantID,
		clientID: clientID,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Register registers a new installation and returns its assigned
// client. The returned ID must be persisted by the caller.
func Register(ctx context.Context, baseURL, tenantID, userID string, interval time.Duration) (*model.Client, error) {
	req := server.RegisterRequest{TenantID: tenantID, UserID: userID}
	if interval > 0 {
		req.SyncInterval = interval.String()
	}

	var client model.Client
	c := &Client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
	if err := c.post(ctx, "/v1/register", req, &client); err != nil {
		return nil, err
	}
	return &client, nil
}

// Push sends a batch of local changes.
func (c *Client) Push(ctx context.Context, changes []model.Change) (*engine.PushResult, error) {
	req := server.PushRequest{TenantID: c.tenantID, ClientID: c.clientID, Changes: changes}
	var result engine.PushResult
	if err := c.post(ctx, "/v1/push", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Pull fetches the deliveries owed to this client.
func (c *Client) Pull(ctx context.Context, sinceVersion int64, maxItems int) (*engine.PullResult, error) {
	req := server.PullRequest{
		TenantID:     c.tenantID,
		ClientID:     c.clientID,
		SinceVersion: sinceVersion,
		MaxItems:     maxItems,
	}
	var result engine.PullResult
	if err := c.post(ctx, "/v1/pull", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ack settles a pulled batch.
func (c *Client) Ack(ctx context.Context, batchID string, ok bool, errorCode, errorMsg string) error {
	req := server.AckRequest{
		TenantID:  c.tenantID,
		ClientID:  c.clientID,
		BatchID:   batchID,
		OK:        ok,
		ErrorCode: errorCode,
		ErrorMsg:  errorMsg,
	}
	return c.post(ctx, "/v1/ack", req, nil)
}

// APIError is a non-2xx response from the sync server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Retriable reports whether the request can be retried later.
func (e *APIError) Retriable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

func (c *Client) post(ctx context.Context, path string, payload, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = json.Unmarshal(data, &apiErr)
		return &APIError{Status: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error}
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
