package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
)

// parseLevel maps the CLI level names onto slog levels. "critical" sits
// above error so it survives an error-level filter.
func parseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "critical":
		return slog.LevelError + 4, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}

// setupLogging installs the process-wide logger: a text handler on stderr
// or the given file, mirrored to syslog unless told otherwise. A syslog
// failure is not fatal; containers and test rigs often have none.
func setupLogging(level, logFile string, noSyslog bool) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening the log file: %w", err)
		}
		out = f
	}

	if !noSyslog {
		if w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "mender-agent"); err == nil {
			out = io.MultiWriter(out, w)
		} else {
			fmt.Fprintf(os.Stderr, "syslog unavailable, logging locally only: %v\n", err)
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// fanout duplicates every record to all wrapped handlers. The daemon uses
// it to feed the deployment log sink alongside the regular logger.
type fanout struct {
	handlers []slog.Handler
}

func newFanout(handlers ...slog.Handler) *fanout {
	return &fanout{handlers: handlers}
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	wrapped := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		wrapped[i] = h.WithAttrs(attrs)
	}
	return &fanout{handlers: wrapped}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	wrapped := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		wrapped[i] = h.WithGroup(name)
	}
	return &fanout{handlers: wrapped}
}
