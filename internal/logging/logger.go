package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"grimm.is/vrouter/internal/errors"
)

// Level represents log severity levels.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var (
	defaultLogger *Logger
	once          sync.Once
	defaultMu     sync.RWMutex
)

// Logger wraps slog with agent-specific helpers.
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	output io.Writer
}

// Config holds logger configuration.
type Config struct {
	Level     Level
	Output    io.Writer
	JSON      bool
	AddSource bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = NewConsoleHandler(cfg.Output, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  levelVar,
		output: cfg.Output,
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return New(Config{Level: LevelError + 100, Output: io.Discard})
}

// ParseLevel maps a configuration string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	once.Do(func() {
		defaultMu.Lock()
		if defaultLogger == nil {
			defaultLogger = New(DefaultConfig())
		}
		defaultMu.Unlock()
	})
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	once.Do(func() {})
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// SetLevel changes the log level dynamically.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

// WithComponent returns a logger with a component field.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
		level:  l.level,
		output: l.output,
	}
}

// With returns a logger with additional key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		level:  l.level,
		output: l.output,
	}
}

// WithError returns a logger carrying err, its kind and every attribute a
// kinded error holds, such as the failed command and its exit status.
func (l *Logger) WithError(err error) *Logger {
	return l.With(ErrorAttrs(err)...)
}

// ErrorAttrs expands err into key/value log arguments.
func ErrorAttrs(err error) []any {
	args := []any{"error", err}
	if err == nil {
		return args
	}
	if k := errors.GetKind(err); k != errors.KindUnknown {
		args = append(args, "kind", k.String())
	}
	attrs := errors.GetAttributes(err)
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, attrs[k])
	}
	return args
}

// Package-level convenience functions using default logger

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

// WithComponent returns a component-scoped logger.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}
