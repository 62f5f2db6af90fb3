// Package remote implements the HTTP client for the papertrail sync API.
//
// The engine consumes two endpoints: an authenticated push endpoint that
// accepts one mutation at a time and returns the server-authoritative
// timestamp, and a pull endpoint that returns everything changed since a
// watermark, tombstones included. Both are scoped server-side to the
// authenticated user's own records.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/papertrailhq/papertrail/internal/entity"
)

// Mutation is one queued write intent on the wire.
type Mutation struct {
	Kind            entity.Kind     `json:"entity_type"`
	ID              string          `json:"id"`
	Op              string          `json:"operation"` // create, update, delete
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientUpdatedAt int64           `json:"client_updated_at"`
}

// PushAck is the server's acknowledgment of an accepted mutation.
type PushAck struct {
	Accepted        bool  `json:"accepted"`
	ServerUpdatedAt int64 `json:"server_updated_at"`
}

// RemoteRecord is one record in a pull snapshot.
type RemoteRecord struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
	Deleted   bool            `json:"is_deleted"`
}

// Snapshot is the server-authoritative result of a pull.
type Snapshot struct {
	ByKind       map[entity.Kind][]RemoteRecord `json:"entities"`
	NewWatermark int64                          `json:"new_watermark"`
}

// Config holds client configuration.
type Config struct {
	// BaseURL of the sync API, e.g. https://api.papertrail.app
	BaseURL string

	// DeviceID identifies this device in push requests.
	DeviceID string

	// Timeout bounds each network call (default 30s).
	Timeout time.Duration
}

// Client speaks the push/pull API over HTTP.
type Client struct {
	cfg    Config
	tokens *TokenSource
	http   *http.Client
}

// New creates a Client. tokens must not be nil.
func New(cfg Config, tokens *TokenSource) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		http:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Push sends a single mutation. On success the returned PushAck carries
// the server-authoritative timestamp to write back to the local record.
// Failures are returned as *APIError so the caller can tell retryable
// from terminal ones.
func (c *Client) Push(ctx context.Context, m Mutation) (*PushAck, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, &APIError{Message: fmt.Sprintf("marshal mutation: %v", err)}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport-level failures (timeout, refused, DNS) are retryable.
		return nil, &APIError{Retryable: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}

	var ack PushAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, &APIError{Retryable: true, Message: fmt.Sprintf("decode push response: %v", err)}
	}
	if !ack.Accepted {
		return nil, &APIError{Message: "server did not accept mutation"}
	}
	return &ack, nil
}

// Pull fetches every record changed since the watermark. The caller must
// not advance its durable watermark until the snapshot has been merged;
// re-pulling from the same watermark is always safe.
func (c *Client) Pull(ctx context.Context, sinceWatermark int64) (*Snapshot, error) {
	path := "/v1/sync/pull?" + url.Values{
		"since": {strconv.FormatInt(sinceWatermark, 10)},
	}.Encode()

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Retryable: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, &APIError{Retryable: true, Message: fmt.Sprintf("decode pull response: %v", err)}
	}
	if snap.ByKind == nil {
		snap.ByKind = make(map[entity.Kind][]RemoteRecord)
	}
	return &snap, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &APIError{Auth: true, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, &APIError{Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if c.cfg.DeviceID != "" {
		req.Header.Set("X-Papertrail-Device", c.cfg.DeviceID)
	}
	return req, nil
}

// apiError maps a non-200 response to an *APIError.
//
// The server reports structured errors as {"retryable": bool, "message":
// string}; when the body is not parseable the status code decides:
// 5xx retryable, 401/403 auth, other 4xx terminal.
func (c *Client) apiError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("server returned %s", resp.Status)
		apiErr.Retryable = resp.StatusCode >= 500
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		apiErr.Auth = true
		// Not the payload's fault: the entry stays queued for after re-login.
		apiErr.Retryable = true
	}
	if resp.StatusCode >= 500 {
		apiErr.Retryable = true
	}
	return apiErr
}
