package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Handler receives command messages.
type Handler interface {
	Handle(ctx context.Context, u Update)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, u Update)

func (f HandlerFunc) Handle(ctx context.Context, u Update) { f(ctx, u) }

// IsCommand reports whether u carries a text message starting with "/".
func IsCommand(u Update) bool {
	return u.Message != nil && u.Message.From != nil && strings.HasPrefix(strings.TrimSpace(u.Message.Text), "/")
}

// Poller receives updates by long polling.
type Poller struct {
	client  *Client
	handler Handler
	logger  *slog.Logger

	// PollTimeout is the server-side wait in seconds.
	PollTimeout int
	// RequestTimeout bounds one getUpdates round trip.
	RequestTimeout time.Duration
	// Backoff is the pause after a failed round trip.
	Backoff time.Duration

	offset int64
}

func NewPoller(c *Client, h Handler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:         c,
		handler:        h,
		logger:         logger,
		PollTimeout:    50,
		RequestTimeout: 60 * time.Second,
		Backoff:        10 * time.Second,
	}
}

// Run polls until ctx ends. Commands are handled in arrival order.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("telegram command listener started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// overall request timeout; simply poll again
				continue
			}
			p.logger.Error("telegram polling failed", "error", err, "backoff", p.Backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Backoff):
			}
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, p.RequestTimeout)
	defer cancel()
	updates, err := p.client.GetUpdates(rctx, p.offset+1, p.PollTimeout)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if u.UpdateID > p.offset {
			p.offset = u.UpdateID
		}
		if !IsCommand(u) {
			continue
		}
		p.handler.Handle(ctx, u)
	}
	return nil
}
