package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultFile       = "manager.log"
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 7  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the supervisor's own log destinations. Console output goes
// through tint; File, when set, receives plain text records rotated by lumberjack.
type Config struct {
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
	Level      string `toml:"level" mapstructure:"level"`
	Color      bool   `toml:"color" mapstructure:"color"`
}

// Writer returns the rotating file writer for c.File, or nil when no file is configured.
func (c Config) Writer() io.WriteCloser {
	if c.File == "" {
		return nil
	}
	if dir := filepath.Dir(c.File); dir != "." {
		_ = os.MkdirAll(dir, 0o750)
	}
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// New builds a logger writing to console and, if configured, the log file.
// The returned closer flushes and closes the file writer.
func New(c Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	var handlers []slog.Handler
	if console != nil {
		handlers = append(handlers, tint.NewHandler(console, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
			NoColor:    !c.Color,
		}))
	}
	var closer io.Closer = nopCloser{}
	if w := c.Writer(); w != nil {
		handlers = append(handlers, slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
		closer = w
	}
	if len(handlers) == 0 {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), closer, nil
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer, nil
	}
	return slog.New(fanout(handlers)), closer, nil
}

// ParseLevel maps "debug", "info", "warn" and "error" (any case) to a level.
// Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, errors.New("invalid log level: " + s)
	}
	return l, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fanout delivers each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
