// Package hostapi registers the tunnel host with the VPN panel's hosts API.
package hostapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/vktunnel/internal/metrics"
)

// ErrDisabled is returned when no API domain is configured.
var ErrDisabled = errors.New("host update API is disabled")

const defaultTimeout = 10 * time.Second

// StatusError is a response outside 200/201/204.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("hosts api: status %d", e.Code)
	}
	return fmt.Sprintf("hosts api: status %d: %s", e.Code, e.Body)
}

type Inbound struct {
	ConfigProfileUUID        string `json:"configProfileUuid"`
	ConfigProfileInboundUUID string `json:"configProfileInboundUuid"`
}

// Payload is the host object PATCHed to {domain}/api/hosts.
type Payload struct {
	UUID                   string  `json:"uuid"`
	Inbound                Inbound `json:"inbound"`
	Remark                 string  `json:"remark"`
	Address                string  `json:"address"`
	Port                   int     `json:"port"`
	Path                   string  `json:"path"`
	SNI                    string  `json:"sni"`
	Host                   string  `json:"host"`
	ALPN                   string  `json:"alpn"`
	Fingerprint            string  `json:"fingerprint"`
	IsDisabled             bool    `json:"isDisabled"`
	SecurityLayer          string  `json:"securityLayer"`
	XHTTPExtraParams       any     `json:"xHttpExtraParams"`
	MuxParams              any     `json:"muxParams"`
	SockoptParams          any     `json:"sockoptParams"`
	ServerDescription      *string `json:"serverDescription"`
	Tag                    *string `json:"tag"`
	IsHidden               bool    `json:"isHidden"`
	OverrideSNIFromAddress bool    `json:"overrideSniFromAddress"`
	VlessRouteID           *string `json:"vlessRouteId"`
	AllowInsecure          bool    `json:"allowInsecure"`
}

type minimalPayload struct {
	UUID string `json:"uuid"`
	Host string `json:"host"`
}

// Config carries the endpoint and the host template.
type Config struct {
	Domain  string
	Token   string
	Timeout time.Duration
	Host    Payload
}

// Client implements tunnel.HostUpdater.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func New(cfg Config, hc *http.Client, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.Domain = strings.TrimRight(cfg.Domain, "/")
	if hc == nil {
		hc = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: hc, logger: logger}
}

// Enabled reports whether updates will be attempted.
func (c *Client) Enabled() bool { return c != nil && c.cfg.Domain != "" }

// UpdateHost sends the full host object with host filled in. When that is
// rejected it retries once with only uuid and host.
func (c *Client) UpdateHost(ctx context.Context, host string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	full := c.cfg.Host
	full.Host = host
	err := c.patch(ctx, full)
	if err == nil {
		metrics.IncHostUpdate(true)
		c.logger.Info("host api updated", "host", host)
		return nil
	}
	var se *StatusError
	if !errors.As(err, &se) {
		metrics.IncHostUpdate(false)
		return err
	}
	c.logger.Warn("host api rejected full payload, retrying with uuid and host", "status", se.Code, "body", se.Body)
	if rerr := c.patch(ctx, minimalPayload{UUID: full.UUID, Host: host}); rerr != nil {
		metrics.IncHostUpdate(false)
		return fmt.Errorf("update host %s: %w", host, rerr)
	}
	metrics.IncHostUpdate(true)
	c.logger.Info("host api updated with minimal payload", "host", host)
	return nil
}

func (c *Client) patch(ctx context.Context, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.cfg.Domain+"/api/hosts", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hosts api: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}
