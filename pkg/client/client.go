package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the local control API of a running vktunnel daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8089/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new vktunnel API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Status(ctx)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

// Status returns the supervisor snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", &st)
	return st, err
}

// Start resumes a stopped or blocked tunnel.
func (c *Client) Start(ctx context.Context) error { return c.do(ctx, http.MethodPost, "/start", nil) }

// Stop terminates the tunnel and holds it until Start.
func (c *Client) Stop(ctx context.Context) error { return c.do(ctx, http.MethodPost, "/stop", nil) }

// Restart replaces the running tunnel process.
func (c *Client) Restart(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/restart", nil)
}

// Accept confirms a pending VK authorization.
func (c *Client) Accept(ctx context.Context) error { return c.do(ctx, http.MethodPost, "/accept", nil) }

// Logs returns the last n lines of the manager log.
func (c *Client) Logs(ctx context.Context, n int) ([]string, error) {
	q := url.Values{}
	if n > 0 {
		q.Set("lines", strconv.Itoa(n))
	}
	path := "/logs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out LogsResponse
	if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}

// do performs HTTP request with common error handling
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorFrom turns a non-200 response into an *APIError.
func (c *Client) errorFrom(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Message = body.Error
	}
	c.logger.Debug("API request failed", "error", apiErr.Message, "status", resp.StatusCode)
	return apiErr
}
