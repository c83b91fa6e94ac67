// Package notify delivers operator messages from the supervisor.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Sender is the subset of telegram.Client used for delivery.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// Telegram sends every message to one chat.
type Telegram struct {
	sender Sender
	chatID string
}

func NewTelegram(s Sender, chatID string) *Telegram {
	return &Telegram{sender: s, chatID: chatID}
}

func (t *Telegram) Notify(ctx context.Context, text string) error {
	return t.sender.SendMessage(ctx, t.chatID, text)
}

// Log writes messages to a logger. It is used when no chat is configured and
// as a local copy next to Telegram.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, text string) error {
	lg := l.Logger
	if lg == nil {
		lg = slog.Default()
	}
	lg.InfoContext(ctx, "notification", "text", text)
	return nil
}

// Notifier matches tunnel.Notifier.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
