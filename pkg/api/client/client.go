package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client provides typed access to the kubeploy API for interactive tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Ack is returned when a deployment is accepted.
type Ack struct {
	SessionID     string `json:"session_id"`
	ApplicationID string `json:"application_id"`
}

// Trigger starts a deployment pipeline for the application.
func (c *Client) Trigger(ctx context.Context, applicationID string) (Ack, error) {
	var ack Ack
	path := fmt.Sprintf("/applications/%s/deployments", url.PathEscape(applicationID))
	if err := c.do(ctx, http.MethodPost, path, nil, &ack); err != nil {
		return Ack{}, err
	}
	return ack, nil
}

// Status is an application's build and lifecycle state.
type Status struct {
	BuildStatus string `json:"build_status"`
	Status      string `json:"status"`
	Logs        string `json:"logs"`
	ImageRef    string `json:"image_ref"`
}

// Status fetches the application's current state.
func (c *Client) Status(ctx context.Context, applicationID string) (Status, error) {
	var status Status
	path := fmt.Sprintf("/applications/%s/status", url.PathEscape(applicationID))
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// Environment describes a cluster-backed environment.
type Environment struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Managed       bool   `json:"managed"`
	Status        string `json:"status"`
	StatusMessage string `json:"status_message"`
}

// ListEnvironments returns environments reachable by the caller.
func (c *Client) ListEnvironments(ctx context.Context) ([]Environment, error) {
	var envs []Environment
	if err := c.do(ctx, http.MethodGet, "/environments", nil, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

// CreateEnvironment registers an environment. An empty kubeconfig asks the
// server to provision a managed cluster.
func (c *Client) CreateEnvironment(ctx context.Context, name, kubeconfig string) (Environment, error) {
	body := map[string]string{"name": name, "kubeconfig": kubeconfig}
	var env Environment
	if err := c.do(ctx, http.MethodPost, "/environments", body, &env); err != nil {
		return Environment{}, err
	}
	return env, nil
}

// DeleteEnvironment tears an environment down.
func (c *Client) DeleteEnvironment(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/environments/"+url.PathEscape(id), nil, nil)
}

// ErrStreamClosed is returned by StreamLogs when the server ends the session.
var ErrStreamClosed = errors.New("log stream closed")

// StreamLogs attaches to a deployment session and calls fn for each
// "<KIND>|<line>" frame until ctx is done or the server closes the stream.
func (c *Client) StreamLogs(ctx context.Context, sessionID string, fn func(kind, line string)) error {
	endpoint, err := url.Parse(c.baseURL + "/ws/logs")
	if err != nil {
		return err
	}
	endpoint.Scheme = strings.Replace(endpoint.Scheme, "http", "ws", 1)
	endpoint.RawQuery = url.Values{"session_id": {sessionID}}.Encode()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil {
			return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
		}
		return fmt.Errorf("dial log stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrStreamClosed
			}
			return fmt.Errorf("read log stream: %w", err)
		}
		kind, line, ok := strings.Cut(string(msg), "|")
		if !ok {
			kind, line = "", string(msg)
		}
		fn(kind, line)
	}
}
