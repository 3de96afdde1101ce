// Package logging builds the process logger: tint text or JSON on stderr,
// mirrored without color to the in-memory log buffer and an optional
// rotating file.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"zephirus-bridge/internal/config"
)

// New returns the logger and a close function for the log file, if any.
// extra writers receive every record in plain (uncolored) form.
func New(cfg config.LogConfig, version string, extra ...io.Writer) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() error { return nil }
	plain := make([]io.Writer, 0, len(extra)+1)
	for _, w := range extra {
		if w != nil {
			plain = append(plain, w)
		}
	}
	if cfg.File.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   true,
		}
		plain = append(plain, lj)
		closeFn = lj.Close
	}

	handlers := []slog.Handler{newHandler(cfg.Format, os.Stderr, level, !isTerminal(os.Stderr))}
	if len(plain) > 0 {
		handlers = append(handlers, newHandler(cfg.Format, io.MultiWriter(plain...), level, true))
	}

	var h slog.Handler = handlers[0]
	if len(handlers) > 1 {
		h = fanout(handlers)
	}
	logger := slog.New(h)
	if cfg.Format == "json" {
		logger = logger.With("app", "zephirus-bridge", "version", version)
	}
	return logger, closeFn, nil
}

func newHandler(format string, w io.Writer, level slog.Level, noColor bool) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    noColor,
	})
}

// ParseLevel maps debug, info, warn or error to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging: invalid level %q", s)
	}
	return l, nil
}

// isTerminal reports whether f is an interactive terminal; color is only
// written there.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// fanout sends each record to every handler that accepts its level.
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
