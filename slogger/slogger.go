// Package slogger provides structured logging for the engine and its
// components, backed by log/slog with colorized console output.
package slogger

import (
	"context"
	"strings"
)

// DefaultLogger is used by components that are not given a logger.
var DefaultLogger Logger = NewDevNullLogger()

// Logger is the logging interface used throughout the engine. It supports
// structured key-value logging and is compatible with slog-style handlers.
type Logger interface {
	// Debug logs a message at debug level with optional key-value pairs
	Debug(msg string, keysAndValues ...any)

	// Info logs a message at info level with optional key-value pairs
	Info(msg string, keysAndValues ...any)

	// Warn logs a message at warn level with optional key-value pairs
	Warn(msg string, keysAndValues ...any)

	// Error logs a message at error level with optional key-value pairs
	Error(msg string, keysAndValues ...any)

	// With returns a new Logger with the given key-value pairs added to
	// every subsequent log entry
	With(keysAndValues ...any) Logger
}

type contextKey string

const loggerKey contextKey = "conductor.logger"

// WithLogger returns a new context carrying the given logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Ctx returns the logger carried by the given context, or the default.
func Ctx(ctx context.Context) Logger {
	if ctx == nil {
		return DefaultLogger
	}
	logger, ok := ctx.Value(loggerKey).(Logger)
	if !ok {
		return DefaultLogger
	}
	return logger
}

// LevelFromString converts a string to a LogLevel.
func LevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return DefaultLogLevel
	}
}
