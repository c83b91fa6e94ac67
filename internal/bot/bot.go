// Package bot turns Telegram command messages into supervisor operations.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/loykin/vktunnel/internal/admin"
	"github.com/loykin/vktunnel/internal/logger"
	"github.com/loykin/vktunnel/internal/telegram"
	"github.com/loykin/vktunnel/internal/tunnel"
)

const logLines = 20

// Controller is the supervisor surface the bot drives.
type Controller interface {
	Start() error
	Restart() error
	Stop() error
	Status() tunnel.Snapshot
	Accept(ctx context.Context) error
}

// Replier sends answers back to a chat.
type Replier interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// Dispatcher handles one command message at a time.
type Dispatcher struct {
	ctl     Controller
	admins  *admin.Registry
	reply   Replier
	logPath string
	logger  *slog.Logger
}

func NewDispatcher(ctl Controller, admins *admin.Registry, reply Replier, logPath string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{ctl: ctl, admins: admins, reply: reply, logPath: logPath, logger: logger}
}

var _ telegram.Handler = (*Dispatcher)(nil)

type access int

const (
	open access = iota
	adminOnly
	ownerOnly
)

type command struct {
	access access
	run    func(d *Dispatcher, ctx context.Context, args []string, lvl admin.Level) string
}

var commands = map[string]command{
	"/start":          {adminOnly, (*Dispatcher).start},
	"/stop":           {adminOnly, (*Dispatcher).stop},
	"/restart-tunnel": {adminOnly, (*Dispatcher).restart},
	"/status":         {adminOnly, (*Dispatcher).status},
	"/accept":         {adminOnly, (*Dispatcher).accept},
	"/log":            {adminOnly, (*Dispatcher).log},
	"/admin-list":     {adminOnly, (*Dispatcher).adminList},
	"/add-admin":      {ownerOnly, (*Dispatcher).addAdmin},
	"/remove-admin":   {ownerOnly, (*Dispatcher).removeAdmin},
	"/help":           {open, (*Dispatcher).help},
}

// Parse splits text into a lowercase command name, without any @botname
// suffix, and its arguments.
func Parse(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}
	name := fields[0]
	if i := strings.IndexByte(name, '@'); i > 0 {
		name = name[:i]
	}
	return strings.ToLower(name), fields[1:]
}

func (d *Dispatcher) Handle(ctx context.Context, u telegram.Update) {
	if u.Message == nil || u.Message.From == nil {
		return
	}
	name, args := Parse(u.Message.Text)
	cmd, ok := commands[name]
	if !ok {
		return
	}
	userID := u.Message.From.ID
	chatID := strconv.FormatInt(u.Message.Chat.ID, 10)
	lvl := d.admins.Level(ctx, userID)

	var text string
	switch {
	case cmd.access == ownerOnly && lvl != admin.LevelOwner:
		text = "❌ Only the owner can manage admins"
	case cmd.access == adminOnly && lvl == admin.LevelNone:
		text = "❌ Access denied"
	default:
		text = cmd.run(d, ctx, args, lvl)
	}
	d.logger.Info("telegram command", "command", name, "user", userID, "level", lvl.String())
	if err := d.reply.SendMessage(ctx, chatID, text); err != nil {
		d.logger.Warn("telegram reply failed", "command", name, "error", err)
	}
}

func (d *Dispatcher) start(context.Context, []string, admin.Level) string {
	if err := d.ctl.Start(); err != nil {
		if errors.Is(err, tunnel.ErrAlreadyRunning) {
			return "ℹ️ The tunnel is already running. Use /restart-tunnel to restart it."
		}
		return "❌ " + err.Error()
	}
	return "✅ Starting the tunnel..."
}

func (d *Dispatcher) stop(context.Context, []string, admin.Level) string {
	if err := d.ctl.Stop(); err != nil {
		if errors.Is(err, tunnel.ErrNotRunning) {
			return "ℹ️ The tunnel is not running."
		}
		return "❌ " + err.Error()
	}
	return "⏹️ Stopping the tunnel. Use /start to start it again."
}

func (d *Dispatcher) restart(context.Context, []string, admin.Level) string {
	if err := d.ctl.Restart(); err != nil {
		if errors.Is(err, tunnel.ErrNotRunning) {
			return "ℹ️ The tunnel is stopped. Use /start to start it."
		}
		return "❌ " + err.Error()
	}
	return "✅ Accepted! Restarting the tunnel..."
}

func (d *Dispatcher) status(context.Context, []string, admin.Level) string {
	return tunnel.FormatStatus(d.ctl.Status())
}

func (d *Dispatcher) accept(ctx context.Context, _ []string, _ admin.Level) string {
	switch err := d.ctl.Accept(ctx); {
	case err == nil:
		return "✅ Authorization confirmed"
	case errors.Is(err, tunnel.ErrNoAuthPending):
		return "ℹ️ No authorization is pending."
	default:
		return "❌ Could not confirm authorization: " + err.Error()
	}
}

func (d *Dispatcher) log(context.Context, []string, admin.Level) string {
	lines, err := logger.Tail(d.logPath, logLines)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "⚠️ The log file has not been created yet."
	case err != nil:
		return "❌ Could not read the log file: " + err.Error()
	case len(lines) == 0:
		return "ℹ️ The log file is empty."
	}
	return fmt.Sprintf("📄 *Last %d log lines:*\n\n```\n%s\n```", logLines, strings.Join(lines, "\n"))
}

func (d *Dispatcher) adminList(ctx context.Context, _ []string, _ admin.Level) string {
	ids, err := d.admins.List(ctx)
	if err != nil {
		return "❌ " + err.Error()
	}
	var b strings.Builder
	b.WriteString("👥 *Admins:*\n\n")
	for _, id := range ids {
		if id == d.admins.Owner() {
			fmt.Fprintf(&b, "• `%d` (owner)\n", id)
			continue
		}
		fmt.Fprintf(&b, "• `%d`\n", id)
	}
	return b.String()
}

func parseUserID(name string, args []string) (int64, string) {
	if len(args) != 1 {
		return 0, fmt.Sprintf("❌ Usage: `%s USER_ID`", name)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, "❌ USER_ID must be a number"
	}
	return id, ""
}

func (d *Dispatcher) addAdmin(ctx context.Context, args []string, _ admin.Level) string {
	id, msg := parseUserID("/add-admin", args)
	if msg != "" {
		return msg
	}
	switch err := d.admins.Add(ctx, id); {
	case err == nil:
		return fmt.Sprintf("✅ User %d is now an admin", id)
	case errors.Is(err, admin.ErrExists):
		return fmt.Sprintf("⚠️ User %d is already an admin", id)
	default:
		return "❌ " + err.Error()
	}
}

func (d *Dispatcher) removeAdmin(ctx context.Context, args []string, _ admin.Level) string {
	id, msg := parseUserID("/remove-admin", args)
	if msg != "" {
		return msg
	}
	switch err := d.admins.Remove(ctx, id); {
	case err == nil:
		return fmt.Sprintf("✅ User %d is no longer an admin", id)
	case errors.Is(err, admin.ErrOwner):
		return "❌ The owner cannot be removed"
	case errors.Is(err, admin.ErrNotFound):
		return fmt.Sprintf("⚠️ User %d is not an admin", id)
	default:
		return "❌ " + err.Error()
	}
}

func (d *Dispatcher) help(_ context.Context, _ []string, lvl admin.Level) string {
	var b strings.Builder
	b.WriteString("🤖 *Available commands:*\n\n")
	b.WriteString("/start - start the tunnel after a stop or crash limit\n")
	b.WriteString("/stop - stop the tunnel\n")
	b.WriteString("/restart-tunnel - restart the tunnel\n")
	b.WriteString("/status - show tunnel status\n")
	b.WriteString("/accept - confirm VK authorization\n")
	b.WriteString("/log - show the last 20 log lines\n")
	b.WriteString("/admin-list - list admins\n")
	b.WriteString("/help - this message\n")
	if lvl == admin.LevelOwner {
		b.WriteString("\n👑 *Owner commands:*\n")
		b.WriteString("/add-admin USER_ID - grant admin rights\n")
		b.WriteString("/remove-admin USER_ID - revoke admin rights\n")
	}
	return b.String()
}
