package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRoundTrips(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.RequestURI())
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/status":
			_, _ = io.WriteString(w, `{"pid":7,"running":true,"current_host":"t.example","uptime_seconds":65}`)
		case "/api/logs":
			_, _ = io.WriteString(w, `{"lines":["a","b"]}`)
		case "/api/start":
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"error":"tunnel is already running"}`)
		case "/api/stop":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":"tunnel process is not running"}`)
		default:
			_, _ = io.WriteString(w, `{"ok":true}`)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/api/"})
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, st.PID)
	assert.Equal(t, "t.example", st.CurrentHost)
	assert.True(t, c.IsReachable(ctx))

	lines, err := c.Logs(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)

	require.NoError(t, c.Restart(ctx))
	require.NoError(t, c.Accept(ctx))

	var apiErr *APIError
	err = c.Start(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Conflict())
	assert.Contains(t, err.Error(), "already running")

	err = c.Stop(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Unavailable())

	assert.Contains(t, seen, "GET /api/logs?lines=2")
	assert.Contains(t, seen, "POST /api/restart")
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	assert.False(t, New(Config{BaseURL: srv.URL}).IsReachable(context.Background()))
}
