package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// HTTPClient implements Client against the media node's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	secret  string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a media node client.
func NewHTTPClient(baseURL, apiKey, secret string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// StartComposite begins a composite recording for the room.
func (c *HTTPClient) StartComposite(ctx context.Context, roomID string) (*Egress, error) {
	var eg Egress
	body := map[string]string{"room_id": roomID}
	if err := c.do(ctx, http.MethodPost, "/egress/composite", body, &eg); err != nil {
		return nil, fmt.Errorf("start composite for room %s: %w", roomID, err)
	}
	return &eg, nil
}

// Stop ends an active egress session.
func (c *HTTPClient) Stop(ctx context.Context, sessionID string) (*Egress, error) {
	var eg Egress
	path := "/egress/" + url.PathEscape(sessionID) + "/stop"
	if err := c.do(ctx, http.MethodPost, path, nil, &eg); err != nil {
		return nil, fmt.Errorf("stop egress %s: %w", sessionID, err)
	}
	return &eg, nil
}

// Cancel aborts an egress that may still be starting.
func (c *HTTPClient) Cancel(ctx context.Context, sessionID string) error {
	path := "/egress/" + url.PathEscape(sessionID) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("cancel egress %s: %w", sessionID, err)
	}
	return nil
}

// GetStatus returns the current status of one egress session.
func (c *HTTPClient) GetStatus(ctx context.Context, sessionID string) (Status, error) {
	var eg Egress
	path := "/egress/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &eg); err != nil {
		return "", err
	}
	return eg.Status, nil
}

// GetInProgress lists starting/active egress sessions, optionally scoped to
// one room.
func (c *HTTPClient) GetInProgress(ctx context.Context, roomID string) ([]Egress, error) {
	path := "/egress?in_progress=true"
	if roomID != "" {
		path += "&room_id=" + url.QueryEscape(roomID)
	}
	var out struct {
		Egresses []Egress `json:"egresses"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list in-progress egresses: %w", err)
	}
	return out.Egresses, nil
}

// RoomExists reports whether the room is known to the media node.
func (c *HTTPClient) RoomExists(ctx context.Context, roomID string) (bool, error) {
	room, err := c.GetRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	return room != nil, nil
}

// GetRoom returns room occupancy, or nil when the room does not exist.
func (c *HTTPClient) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	path := "/rooms/" + url.PathEscape(roomID)
	err := c.do(ctx, http.MethodGet, path, nil, &room)
	if err == ErrEgressNotFound || isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}
	return &room, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("media node returned %d: %s", e.code, e.body)
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.code == http.StatusNotFound
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("X-API-Secret", c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// egress endpoints use the sentinel so callers can errors.Is it
		if len(path) >= 7 && path[:7] == "/egress" {
			return ErrEgressNotFound
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: string(raw)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
