package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vktunnel/internal/tunnel"
)

type fakeCtl struct {
	startErr, stopErr, restartErr, acceptErr error
	snap                                     tunnel.Snapshot
	calls                                    []string
}

func (f *fakeCtl) Start() error                   { f.calls = append(f.calls, "start"); return f.startErr }
func (f *fakeCtl) Stop() error                    { f.calls = append(f.calls, "stop"); return f.stopErr }
func (f *fakeCtl) Restart() error                 { f.calls = append(f.calls, "restart"); return f.restartErr }
func (f *fakeCtl) Status() tunnel.Snapshot        { return f.snap }
func (f *fakeCtl) Accept(_ context.Context) error { f.calls = append(f.calls, "accept"); return f.acceptErr }

func setupRouter(t *testing.T, ctl *fakeCtl, base string) (http.Handler, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logPath := filepath.Join(t.TempDir(), "manager.log")
	return NewRouter(ctl, base, logPath, true).Handler(), logPath
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	h, _ := setupRouter(t, &fakeCtl{snap: tunnel.Snapshot{PID: 42, Running: true, CurrentHost: "t.example"}}, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap tunnel.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 42, snap.PID)
	assert.Equal(t, "t.example", snap.CurrentHost)
}

func TestCommandStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		ctl  *fakeCtl
		path string
		code int
	}{
		{"start ok", &fakeCtl{}, "/start", http.StatusOK},
		{"start running", &fakeCtl{startErr: tunnel.ErrAlreadyRunning}, "/start", http.StatusConflict},
		{"stop held", &fakeCtl{stopErr: tunnel.ErrNotRunning}, "/stop", http.StatusServiceUnavailable},
		{"restart ok", &fakeCtl{}, "/restart", http.StatusOK},
		{"accept none", &fakeCtl{acceptErr: tunnel.ErrNoAuthPending}, "/accept", http.StatusConflict},
		{"accept broken", &fakeCtl{acceptErr: assert.AnError}, "/accept", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := setupRouter(t, tt.ctl, "")
			rec := doReq(t, h, http.MethodPost, tt.path)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.Len(t, tt.ctl.calls, 1)
			if tt.code != http.StatusOK {
				var e errorResp
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
				assert.NotEmpty(t, e.Error)
			}
		})
	}
}

func TestMethodsAreEnforced(t *testing.T) {
	h, _ := setupRouter(t, &fakeCtl{}, "")
	rec := doReq(t, h, http.MethodGet, "/restart")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogs(t *testing.T) {
	h, logPath := setupRouter(t, &fakeCtl{}, "/api/")
	rec := doReq(t, h, http.MethodGet, "/api/logs")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, os.WriteFile(logPath, []byte("one\ntwo\nthree\n"), 0o600))
	rec = doReq(t, h, http.MethodGet, "/api/logs?lines=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var body LogsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"two", "three"}, body.Lines)

	rec = doReq(t, h, http.MethodGet, "/api/logs?lines=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := setupRouter(t, &fakeCtl{}, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSanitizeBase(t *testing.T) {
	assert.Equal(t, "", sanitizeBase(" / "))
	assert.Equal(t, "/api", sanitizeBase("api/"))
	assert.Equal(t, "/a/b", sanitizeBase("/a/b//"))
}
