// Package logging configures the process-wide slog logger. Each component
// (watcher, healthcheck, audit, prune) can additionally tee its records into
// its own append-only daily log file under a shared log directory.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

type options struct {
	dir       string
	component string
	stderr    io.Writer
	now       func() time.Time
}

// Option customises Configure.
type Option func(*options)

// WithComponentFile tees log records into <dir>/<component>-YYYY-MM-DD.log.
func WithComponentFile(dir, component string) Option {
	return func(o *options) {
		o.dir = dir
		o.component = component
	}
}

// WithStderr replaces the console sink. Tests pass io.Discard.
func WithStderr(w io.Writer) Option {
	return func(o *options) { o.stderr = w }
}

// WithNow overrides the clock used to pick the daily file.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Configure installs a process-wide slog default logger.
//
// Supported levels: debug, info, warn, error. The returned closer releases
// the component file, if any; it is safe to ignore for process-lifetime
// loggers.
func Configure(level string, opts ...Option) (io.Closer, error) {
	parsed, err := parseLevel(level)
	if err != nil {
		return nopCloser{}, err
	}

	o := options{stderr: os.Stderr, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	w := o.stderr
	var closer io.Closer = nopCloser{}
	if o.dir != "" {
		f, err := OpenDaily(o.dir, o.component, o.now)
		if err != nil {
			return nopCloser{}, err
		}
		w = io.MultiWriter(o.stderr, f)
		closer = f
	}

	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: parsed})
	slog.SetDefault(slog.New(h).With("component", componentName(o.component)))
	return closer, nil
}

func componentName(c string) string {
	if c == "" {
		return "redeploy"
	}
	return c
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", LevelInfo:
		return slog.LevelInfo, nil
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelWarn:
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", level)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
