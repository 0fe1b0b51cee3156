package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleetd/internal/fleet"
)

// Client calls the fleetd admin API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx answer from fleetd.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fleetd returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("fleetd error (%d): %s", e.StatusCode, e.Message)
}

type Recommendation struct {
	Found      bool              `json:"found"`
	NodeID     *string           `json:"node_id"`
	Candidates []fleet.Candidate `json:"candidates"`
}

// CapacityDetail explains a rejected placement.
type CapacityDetail struct {
	NodeID    string `json:"node_id"`
	Resource  string `json:"resource"`
	Available int64  `json:"available"`
	Requested int64  `json:"requested"`
}

type ValidateResult struct {
	Valid    bool            `json:"valid"`
	NodeID   string          `json:"node_id"`
	Message  string          `json:"message,omitempty"`
	Capacity *CapacityDetail `json:"error,omitempty"`
}

func (c *Client) FleetSummary(ctx context.Context) (*fleet.Summary, error) {
	var summary fleet.Summary
	if _, err := c.do(ctx, http.MethodGet, "/api/admin/fleet/summary", nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (c *Client) Recommend(ctx context.Context, memory, disk int64, locationID *int) (*Recommendation, error) {
	body := map[string]interface{}{"memory": memory, "disk": disk}
	if locationID != nil {
		body["location_id"] = *locationID
	}
	var rec Recommendation
	if _, err := c.do(ctx, http.MethodPost, "/api/admin/placement/recommend", body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Validate returns a result with Valid=false, not an error, when the node
// rejects the placement for lack of capacity.
func (c *Client) Validate(ctx context.Context, nodeID string, memory, disk int64) (*ValidateResult, error) {
	body := map[string]interface{}{"node_id": nodeID, "memory": memory, "disk": disk}
	var res ValidateResult
	status, err := c.do(ctx, http.MethodPost, "/api/admin/placement/validate", body, &res)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && status == http.StatusConflict {
			res.NodeID = nodeID
			res.Valid = false
			return &res, nil
		}
		return nil, err
	}
	return &res, nil
}

// Event is one entry of the fleet event log.
type Event struct {
	Type      string                 `json:"type"`
	NodeID    string                 `json:"node_id,omitempty"`
	IP        string                 `json:"ip,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// Events returns the most recent fleet events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	path := "/api/admin/fleet/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// do sends a JSON request and decodes the JSON answer into out. Error
// responses are decoded into out as well before an *APIError is returned.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, c.requestError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &msg)
		if out != nil {
			_ = json.Unmarshal(raw, out)
		}
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: msg.Message}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("invalid response from fleetd: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) requestError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("request canceled")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("request timed out")
	default:
		return fmt.Errorf("cannot connect to fleetd at %s: %w", c.baseURL, err)
	}
}
