package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	logger *slog.Logger
	mu     sync.RWMutex
)

// ParseLogLevel converts a string log level to a slog.Level.
// Valid values are "debug", "info", "warn", "error".
// Unknown values default to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitLog initializes or reinitializes the logger with the specified log level.
// It may be called multiple times to change the level at runtime and always
// replaces the previously configured instance.
func InitLog(logLevel string) {
	level := ParseLogLevel(logLevel)

	mu.Lock()
	defer mu.Unlock()

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	logger = slog.New(handler)
}

// GetLog returns the slog.Logger instance configured for the agent.
// Logs are emitted as JSON to stderr so that machine-readable job output on
// stdout stays clean. If the logger has not been initialized yet it defaults
// to info level.
func GetLog() *slog.Logger {
	mu.RLock()
	if logger != nil {
		defer mu.RUnlock()
		return logger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// Double-check after acquiring write lock
	if logger == nil {
		handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
		logger = slog.New(handler)
	}

	return logger
}

// Debug logs a message at Debug level.
func Debug(msg string, args ...any) { GetLog().Debug(msg, args...) }

// Info logs a message at Info level.
func Info(msg string, args ...any) { GetLog().Info(msg, args...) }

// Warn logs a message at Warn level.
func Warn(msg string, args ...any) { GetLog().Warn(msg, args...) }

// Error logs a message at Error level.
func Error(msg string, args ...any) { GetLog().Error(msg, args...) }

// Printf is a drop-in replacement for log.Printf logging at Info level.
func Printf(format string, args ...any) {
	GetLog().Info(fmt.Sprintf(format, args...))
}

// Fatalf logs a formatted message and exits.
func Fatalf(format string, args ...any) {
	GetLog().Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// Errorf logs a formatted message at Error level and returns it as an error
// so call sites can log and propagate in one step.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	GetLog().Error(err.Error())
	return err
}
