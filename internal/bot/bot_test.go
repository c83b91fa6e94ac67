package bot

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vktunnel/internal/admin"
	"github.com/loykin/vktunnel/internal/telegram"
	"github.com/loykin/vktunnel/internal/tunnel"
)

const (
	owner  int64 = 100
	member int64 = 200
	guest  int64 = 300
)

type fakeCtl struct {
	mu       sync.Mutex
	calls    []string
	startErr error
	stopErr  error
	restErr  error
	acceptEr error
	snap     tunnel.Snapshot
}

func (f *fakeCtl) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeCtl) Start() error                   { f.record("start"); return f.startErr }
func (f *fakeCtl) Stop() error                    { f.record("stop"); return f.stopErr }
func (f *fakeCtl) Restart() error                 { f.record("restart"); return f.restErr }
func (f *fakeCtl) Status() tunnel.Snapshot        { f.record("status"); return f.snap }
func (f *fakeCtl) Accept(_ context.Context) error { f.record("accept"); return f.acceptEr }

type reply struct{ chat, text string }

type fakeReplier struct{ sent []reply }

func (f *fakeReplier) SendMessage(_ context.Context, chatID, text string) error {
	f.sent = append(f.sent, reply{chatID, text})
	return nil
}

func (f *fakeReplier) last() string {
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].text
}

func newDispatcher(t *testing.T, ctl *fakeCtl) (*Dispatcher, *fakeReplier, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := admin.OpenFile(filepath.Join(dir, "admins.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	reg, err := admin.NewRegistry(context.Background(), s, owner)
	require.NoError(t, err)
	require.NoError(t, reg.Add(context.Background(), member))

	r := &fakeReplier{}
	logPath := filepath.Join(dir, "manager.log")
	return NewDispatcher(ctl, reg, r, logPath, slog.New(slog.NewTextHandler(io.Discard, nil))), r, logPath
}

func msg(from int64, text string) telegram.Update {
	return telegram.Update{Message: &telegram.Message{From: &telegram.User{ID: from}, Chat: telegram.Chat{ID: from}, Text: text}}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		name string
		args []string
	}{
		{"/status", "/status", []string{}},
		{"/Status@vk_tunnel_bot", "/status", []string{}},
		{"/add-admin 42", "/add-admin", []string{"42"}},
		{"  /log  ", "/log", []string{}},
		{"hello", "", nil},
		{"", "", nil},
	}
	for _, tt := range tests {
		name, args := Parse(tt.in)
		assert.Equal(t, tt.name, name, tt.in)
		if tt.args == nil {
			assert.Nil(t, args, tt.in)
		} else {
			assert.Equal(t, len(tt.args), len(args), tt.in)
		}
	}
}

func TestAccessControl(t *testing.T) {
	ctl := &fakeCtl{}
	d, r, _ := newDispatcher(t, ctl)
	ctx := context.Background()

	d.Handle(ctx, msg(guest, "/restart-tunnel"))
	assert.Contains(t, r.last(), "Access denied")
	assert.Empty(t, ctl.calls)

	d.Handle(ctx, msg(member, "/add-admin 5"))
	assert.Contains(t, r.last(), "Only the owner")

	d.Handle(ctx, msg(member, "/restart-tunnel"))
	assert.Contains(t, r.last(), "Restarting")
	assert.Equal(t, []string{"restart"}, ctl.calls)
	assert.Equal(t, "200", r.sent[len(r.sent)-1].chat)

	n := len(r.sent)
	d.Handle(ctx, msg(member, "/unknown"))
	d.Handle(ctx, msg(guest, "/nope"))
	assert.Len(t, r.sent, n, "unknown commands are ignored")

	d.Handle(ctx, msg(guest, "/help"))
	assert.Contains(t, r.last(), "/status")
	assert.NotContains(t, r.last(), "/add-admin")
	d.Handle(ctx, msg(owner, "/help@somebot"))
	assert.Contains(t, r.last(), "/add-admin")
}

func TestCommandOutcomes(t *testing.T) {
	ctl := &fakeCtl{
		startErr: tunnel.ErrAlreadyRunning,
		stopErr:  tunnel.ErrNotRunning,
		acceptEr: tunnel.ErrNoAuthPending,
		snap:     tunnel.Snapshot{Stopped: true},
	}
	d, r, _ := newDispatcher(t, ctl)
	ctx := context.Background()

	d.Handle(ctx, msg(member, "/start"))
	assert.Contains(t, r.last(), "already running")
	d.Handle(ctx, msg(member, "/stop"))
	assert.Contains(t, r.last(), "not running")
	d.Handle(ctx, msg(member, "/accept"))
	assert.Contains(t, r.last(), "No authorization is pending")
	d.Handle(ctx, msg(member, "/status"))
	assert.Contains(t, r.last(), "not running")
	assert.Contains(t, r.last(), "Stopped")

	ctl.acceptEr = nil
	d.Handle(ctx, msg(member, "/accept"))
	assert.Contains(t, r.last(), "Authorization confirmed")
}

func TestLogCommand(t *testing.T) {
	d, r, logPath := newDispatcher(t, &fakeCtl{})
	ctx := context.Background()

	d.Handle(ctx, msg(member, "/log"))
	assert.Contains(t, r.last(), "not been created")

	var content string
	for i := 1; i <= 30; i++ {
		content += "line " + string(rune('a'+i%26)) + "\n"
	}
	require.NoError(t, os.WriteFile(logPath, []byte(content), 0o600))
	d.Handle(ctx, msg(member, "/log"))
	assert.Contains(t, r.last(), "Last 20 log lines")
	assert.Contains(t, r.last(), "```")
}

func TestAdminManagement(t *testing.T) {
	d, r, _ := newDispatcher(t, &fakeCtl{})
	ctx := context.Background()

	d.Handle(ctx, msg(owner, "/add-admin abc"))
	assert.Contains(t, r.last(), "must be a number")
	d.Handle(ctx, msg(owner, "/add-admin"))
	assert.Contains(t, r.last(), "Usage")

	d.Handle(ctx, msg(owner, "/add-admin 42"))
	assert.Contains(t, r.last(), "is now an admin")
	d.Handle(ctx, msg(owner, "/add-admin 42"))
	assert.Contains(t, r.last(), "already an admin")

	d.Handle(ctx, msg(42, "/status"))
	assert.NotContains(t, r.last(), "Access denied")

	d.Handle(ctx, msg(owner, "/remove-admin 100"))
	assert.Contains(t, r.last(), "owner cannot be removed")
	d.Handle(ctx, msg(owner, "/remove-admin 42"))
	assert.Contains(t, r.last(), "no longer an admin")
	d.Handle(ctx, msg(owner, "/remove-admin 42"))
	assert.Contains(t, r.last(), "is not an admin")

	d.Handle(ctx, msg(member, "/admin-list"))
	assert.Contains(t, r.last(), "`100` (owner)")
	assert.Contains(t, r.last(), "`200`")
}
