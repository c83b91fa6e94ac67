package telegram

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// SecretHeader carries the secret_token configured with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Webhook receives updates pushed by Telegram.
type Webhook struct {
	e      *echo.Echo
	listen string
	logger *slog.Logger
}

// NewWebhook mounts POST path. When secret is non-empty, requests must carry
// it in SecretHeader.
func NewWebhook(listen, path, secret string, h Handler, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.POST(path, func(c echo.Context) error {
		if secret != "" {
			got := c.Request().Header.Get(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "bad secret"})
			}
		}
		var u Update
		if err := c.Bind(&u); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid update"})
		}
		if IsCommand(u) {
			h.Handle(c.Request().Context(), u)
		}
		return c.NoContent(http.StatusOK)
	})
	return &Webhook{e: e, listen: listen, logger: logger}
}

// Handler exposes the router for tests and embedding.
func (w *Webhook) Handler() http.Handler { return w.e }

// Run serves until ctx ends, then shuts down gracefully.
func (w *Webhook) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		w.logger.Info("telegram webhook listening", "addr", w.listen)
		if err := w.e.Start(w.listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = w.e.Shutdown(sctx)
	return ctx.Err()
}
