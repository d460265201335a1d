package logger

import (
	"os"
	"strings"
)

// LogLevel defines the verbosity of a Logger.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelNone
)

// ParseLevel converts a level name into a LogLevel. Unknown or empty values
// default to LevelWarn so that library consumers only see degraded-operation
// warnings unless they opt into more.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none", "off":
		return LevelNone
	default:
		return LevelWarn
	}
}

// GetLevelFromEnv reads TOOLCACHE_LOG_LEVEL and converts it into a LogLevel.
func GetLevelFromEnv() LogLevel {
	return ParseLevel(os.Getenv("TOOLCACHE_LOG_LEVEL"))
}

// Logger is the logging sink consumed by the cache and daemon packages.
// Implementations must be safe for concurrent use.
type Logger interface {
	// With returns a new logger that includes the given fields on every entry.
	With(fields map[string]any) Logger
	// Debug level logging
	Debug(msg string, args ...any)
	// Info level logging
	Info(msg string, args ...any)
	// Warning level logging
	Warn(msg string, args ...any)
	// Error level logging
	Error(msg string, args ...any)
}

type noopLogger struct{}

var _ Logger = (*noopLogger)(nil)

func (n *noopLogger) With(map[string]any) Logger { return n }
func (n *noopLogger) Debug(string, ...any)       {}
func (n *noopLogger) Info(string, ...any)        {}
func (n *noopLogger) Warn(string, ...any)        {}
func (n *noopLogger) Error(string, ...any)       {}

// NewNoop returns a Logger that discards everything. It is the default for
// the cache package so that embedding the library stays silent unless the
// host application wires a real logger.
func NewNoop() Logger {
	return &noopLogger{}
}
