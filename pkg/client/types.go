package client

import (
	"fmt"
	"net/http"
	"time"
)

// Status mirrors the daemon's status snapshot.
type Status struct {
	PID                       int       `json:"pid"`
	Running                   bool      `json:"running"`
	StartedAt                 time.Time `json:"started_at"`
	LastOutputAt              time.Time `json:"last_output_at"`
	LastHealthCheckAt         time.Time `json:"last_health_check_at"`
	ConsecutiveHealthFailures int       `json:"consecutive_health_failures"`
	TotalCrashes              int       `json:"total_crashes"`
	NotificationSent          bool      `json:"notification_sent"`
	CurrentHost               string    `json:"current_host,omitempty"`
	CurrentEndpointURL        string    `json:"current_endpoint_url,omitempty"`
	WaitingForAuth            bool      `json:"waiting_for_auth"`
	AuthURL                   string    `json:"auth_url,omitempty"`
	Stopped                   bool      `json:"stopped"`
	Blocked                   bool      `json:"blocked"`
	UptimeSeconds             int64     `json:"uptime_seconds"`
	LastHealthAgeSeconds      int64     `json:"last_health_age_seconds"`
}

// LogsResponse is the body of GET /logs.
type LogsResponse struct {
	Lines []string `json:"lines"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for any non-200 answer.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Conflict reports a 409: already running, or no authorization pending.
func (e *APIError) Conflict() bool { return e.StatusCode == http.StatusConflict }

// Unavailable reports a 503: the tunnel is not running.
func (e *APIError) Unavailable() bool { return e.StatusCode == http.StatusServiceUnavailable }
