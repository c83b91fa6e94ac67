// Package telegram is a small Bot API client plus the two ways of receiving
// commands: long polling and an echo-based webhook.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultAPIBase is the public Bot API endpoint.
	DefaultAPIBase = "https://api.telegram.org"
	// MaxMessageLen is the Bot API limit for one message text.
	MaxMessageLen = 4096
	truncatedLen  = 4090
	truncMarker   = "\n[...]"
	sendTimeout   = 10 * time.Second
)

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text,omitempty"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// APIError is a non-OK Bot API answer.
type APIError struct {
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("telegram api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("telegram api: status %d: %s", e.StatusCode, e.Description)
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

// Client calls the Bot API for one bot token.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient returns a client for token. An empty base uses DefaultAPIBase and
// a nil hc uses a client without an overall timeout (requests carry contexts).
func NewClient(base, token string, hc *http.Client) *Client {
	if base == "" {
		base = DefaultAPIBase
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{base: strings.TrimRight(base, "/"), token: token, http: hc}
}

func (c *Client) endpoint(method string) string {
	return c.base + "/bot" + c.token + "/" + method
}

// GetUpdates long-polls for updates after offset, waiting up to timeout seconds.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("timeout", strconv.Itoa(timeout))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var out []Update
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts text to chatID with Markdown formatting. Over-long texts
// are cut and marked.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	form := url.Values{}
	form.Set("chat_id", chatID)
	form.Set("text", Truncate(text))
	form.Set("parse_mode", "Markdown")

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("sendMessage"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		// the URL embeds the token; keep it out of errors and logs
		return fmt.Errorf("telegram %s: %w", methodOf(req), unwrapURLError(err))
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", methodOf(req), err)
	}
	var env envelope
	_ = json.Unmarshal(body, &env)
	if resp.StatusCode != http.StatusOK || !env.OK {
		return &APIError{StatusCode: resp.StatusCode, Description: env.Description}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, result); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", methodOf(req), err)
	}
	return nil
}

func methodOf(req *http.Request) string {
	p := req.URL.Path
	return p[strings.LastIndexByte(p, '/')+1:]
}

func unwrapURLError(err error) error {
	if ue, ok := err.(*url.Error); ok {
		return ue.Err
	}
	return err
}

// Truncate cuts text longer than MaxMessageLen characters to 4090 characters
// plus a "[...]" marker line.
func Truncate(text string) string {
	if utf8.RuneCountInString(text) <= MaxMessageLen {
		return text
	}
	r := []rune(text)
	return string(r[:truncatedLen]) + truncMarker
}
