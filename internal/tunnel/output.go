package tunnel

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/loykin/vktunnel/internal/history"
)

const maxLineSize = 1 << 20

var (
	authURLPattern = regexp.MustCompile(`https://oauth\.vk\.ru/[^\s]*`)
	hostPattern    = regexp.MustCompile(`wss://([^/]+)`)
	authMarkers    = []string{"oauth.vk.ru", "Please open the following link"}
)

// Parser turns the child's console output into state changes and operator
// notifications. One Consume call runs per stream.
type Parser struct {
	state           *State
	notifier        Notifier
	hosts           HostUpdater
	identity        func() Identity
	clock           Clock
	logger          *slog.Logger
	childLog        *slog.Logger
	recorder        Recorder
	notifyTimeout   time.Duration
	hostTimeout     time.Duration
	hostAPIDisabled bool
}

// Consume reads r line by line until EOF, a read error, or ctx ends. Stream
// end is logged and is never a restart trigger.
func (p *Parser) Consume(ctx context.Context, stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		p.handleLine(ctx, stream, line)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) && ctx.Err() == nil {
		p.logger.Warn("stream read failed", "stream", stream, "error", err)
		return
	}
	p.logger.Info("stream closed", "stream", stream)
}

func (p *Parser) handleLine(ctx context.Context, stream, line string) {
	p.state.touchOutput(p.clock.Now())
	p.childLog.Info(line, "stream", stream)

	if isAuthLine(line) {
		p.handleAuth(ctx, stream, line)
		return
	}
	if p.state.readySent() || !strings.HasPrefix(line, "wss:") {
		return
	}
	p.handleReady(ctx, line)
}

func isAuthLine(line string) bool {
	for _, m := range authMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

func (p *Parser) handleAuth(ctx context.Context, stream, line string) {
	url := authURLPattern.FindString(line)
	p.logger.Info("authorization prompt detected", "stream", stream)
	if !p.state.markAuth(url) {
		return
	}
	p.logger.Info("sending VK authorization link", "url", url)
	ev := history.NewEvent(history.EventAuthRequired)
	ev.PID = p.state.Snapshot(p.clock.Now()).PID
	ev.Detail = url
	p.recorder.Record(ev)
	p.notify(ctx, authMessage(url))
}

// splitEndpoint extracts the endpoint URL and host from a "wss:" line.
func splitEndpoint(line string) (endpoint, host string, ok bool) {
	fields := strings.Fields(line)
	endpoint = line
	if len(fields) > 1 {
		endpoint = fields[1]
	}
	m := hostPattern.FindStringSubmatch(endpoint)
	if m == nil {
		return "", "", false
	}
	return endpoint, m[1], true
}

func (p *Parser) handleReady(ctx context.Context, line string) {
	endpoint, host, ok := splitEndpoint(line)
	if !ok {
		p.logger.Warn("could not extract host from endpoint line", "line", line)
		return
	}
	if !p.state.markReady(endpoint, host) {
		return
	}
	p.logger.Info("tunnel endpoint discovered", "endpoint", endpoint, "host", host)

	var apiErr error
	if !p.hostAPIDisabled {
		hctx, cancel := context.WithTimeout(ctx, p.hostTimeout)
		apiErr = p.hosts.UpdateHost(hctx, host)
		cancel()
		if apiErr != nil {
			p.logger.Error("host update failed", "host", host, "error", apiErr)
		}
	}

	ev := history.NewEvent(history.EventTunnelReady)
	ev.PID = p.state.Snapshot(p.clock.Now()).PID
	ev.Host = host
	ev.Detail = endpoint
	p.recorder.Record(ev)

	p.notify(ctx, readyMessage(p.identity(), host, apiErr, !p.hostAPIDisabled))
}

func (p *Parser) notify(ctx context.Context, text string) {
	deliver(ctx, p.notifier, p.notifyTimeout, p.logger, text)
}
