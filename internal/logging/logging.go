// Package logging provides structured logging for resqued using stdlib slog.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig controls logger creation.
type LogConfig struct {
	Level     string    // "debug", "info", "warn", "error"
	Format    string    // "json" (default), "text", "syslog"
	Output    io.Writer // defaults to os.Stdout; ignored when Format is "syslog"
	SyslogTag string    // program name passed to syslog; defaults to "resqued"
}

// New creates a configured *slog.Logger. Format "syslog" forwards
// resqued's own structured log lines to the local syslog daemon, which
// matters for a supervisor daemon that outlives its own controlling
// terminal and stdout redirection.
func New(cfg LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	if strings.EqualFold(cfg.Format, "syslog") {
		tag := cfg.SyslogTag
		if tag == "" {
			tag = "resqued"
		}
		sf, err := NewSyslogForwarder(tag)
		if err == nil {
			return slog.New(slog.NewJSONHandler(sf, opts))
		}
		// Fall through to stderr so a missing syslog daemon doesn't
		// leave the process silently unlogged.
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)).With("syslog_error", err.Error())
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler)
}

// WithFields returns a child logger with additional context fields.
func WithFields(logger *slog.Logger, fields ...any) *slog.Logger {
	return logger.With(fields...)
}

// ValidateLevel reports whether s names a known log level, so config
// loading can reject a typo'd log_level before the daemon forks.
func ValidateLevel(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level %q", s)
	}
}

// LevelVar holds a slog level that can be changed by name at runtime,
// so a SIGHUP config reload can raise or lower verbosity without
// rebuilding the logger (and losing its Output/Format wiring).
type LevelVar struct {
	v slog.LevelVar
}

// NewLevelVar creates a LevelVar initialized to the named level.
func NewLevelVar(level string) *LevelVar {
	lv := &LevelVar{}
	lv.v.Set(parseLevel(level))
	return lv
}

// Level returns the current slog level.
func (lv *LevelVar) Level() slog.Level { return lv.v.Level() }

// Set changes the level by name; an unrecognized name falls back to info.
func (lv *LevelVar) Set(level string) { lv.v.Set(parseLevel(level)) }

// DaemonLogger builds the daemon's logger. When logfile is non-empty it
// opens the file in append mode and returns a cleanup func to close it
// on shutdown; the master runs detached from its controlling terminal
// so its own log output has to go somewhere durable, not just stdout.
func DaemonLogger(level, format, logfile string) (*slog.Logger, func(), error) {
	if logfile == "" {
		return New(LogConfig{Level: level, Format: format}), nil, nil
	}

	f, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open log file: %s: %w", logfile, err)
	}

	logger := New(LogConfig{Level: level, Format: format, Output: f})
	return logger, func() { f.Close() }, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
