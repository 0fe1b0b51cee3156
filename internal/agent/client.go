package agent

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleetd/internal/fleet"
)

const (
	UtilizationPath         = "/api/system/utilization"
	maxAgentResponseBytes   = 1 << 20
	defaultResponseDeadline = 10 * time.Second
)

var ErrMissingToken = errors.New("node has no daemon token")

// StatusError is returned when the agent answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("agent responded with status %d", e.Code)
	}
	return fmt.Sprintf("agent responded with status %d: %s", e.Code, e.Body)
}

// Client talks to node agents over their HTTP API. Every request carries the
// node token as a bearer credential and an HMAC signature over
// "timestamp\nnonce\nmethod\npath" keyed by the same token.
type Client struct {
	httpClient *http.Client
	now        func() time.Time
}

func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 nil,
				DisableCompression:    true,
				MaxIdleConnsPerHost:   2,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: defaultResponseDeadline,
			},
		}
	}
	return &Client{httpClient: httpClient, now: time.Now}
}

// Utilization fetches the live resource usage of a node.
func (c *Client) Utilization(ctx context.Context, node fleet.Node) (fleet.Reading, error) {
	var reading fleet.Reading
	if err := c.getJSON(ctx, node, UtilizationPath, &reading); err != nil {
		return fleet.Reading{}, err
	}
	return reading, nil
}

func (c *Client) getJSON(ctx context.Context, node fleet.Node, agentPath string, out interface{}) error {
	token := strings.TrimSpace(node.DaemonToken)
	if token == "" {
		return ErrMissingToken
	}

	baseURL, err := url.Parse(node.BaseURL())
	if err != nil {
		return fmt.Errorf("parse agent url: %w", err)
	}
	parsedPath, err := url.Parse(agentPath)
	if err != nil {
		return err
	}

	pathname := "/" + strings.TrimPrefix(parsedPath.Path, "/")
	signedPath := pathname
	if parsedPath.RawQuery != "" {
		signedPath += "?" + parsedPath.RawQuery
	}

	target := *baseURL
	target.Path = joinPath(baseURL.Path, pathname)
	target.RawQuery = parsedPath.RawQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}

	ts := strconv.FormatInt(c.now().Unix(), 10)
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-Timestamp", ts)
	req.Header.Set("X-Request-Nonce", nonce)
	req.Header.Set("X-Request-Signature", Sign(token, ts, nonce, http.MethodGet, signedPath))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAgentResponseBytes))
	if err != nil {
		return fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode agent response: %w", err)
	}
	return nil
}

// Sign computes the request signature expected by node agents.
func Sign(token, ts, nonce, method, path string) string {
	payload := fmt.Sprintf("%s\n%s\n%s\n%s", ts, nonce, method, path)
	mac := hmac.New(sha256.New, []byte(token))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func joinPath(basePath, p string) string {
	if basePath == "" || basePath == "/" {
		return p
	}
	return strings.TrimRight(basePath, "/") + p
}
