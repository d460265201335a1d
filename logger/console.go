package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const (
	reset   = "\033[0m"
	gray    = "\033[1;90m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	magenta = "\033[35m"
	red     = "\033[31m"
)

type consoleLogger struct {
	mu       sync.Mutex
	w        io.Writer
	level    LogLevel
	color    bool
	metadata map[string]any
}

var _ Logger = (*consoleLogger)(nil)

// NewConsole returns a Logger that writes human-readable lines to stderr.
// Color is enabled only when stderr is a terminal. The level defaults to the
// TOOLCACHE_LOG_LEVEL environment variable when no level is given.
func NewConsole(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	color := os.Getenv("TERM") != "dumb" &&
		(isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()))
	return &consoleLogger{w: os.Stderr, level: level, color: color}
}

func (c *consoleLogger) clone() *consoleLogger {
	metadata := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &consoleLogger{w: c.w, level: c.level, color: c.color, metadata: metadata}
}

func (c *consoleLogger) With(fields map[string]any) Logger {
	clone := c.clone()
	for k, v := range fields {
		clone.metadata[k] = v
	}
	return clone
}

func (c *consoleLogger) paint(code, s string) string {
	if !c.color {
		return s
	}
	return code + s + reset
}

func (c *consoleLogger) log(level LogLevel, code, label, msg string, args ...any) {
	if level < c.level {
		return
	}
	line := fmt.Sprintf(msg, args...)
	var suffix string
	if len(c.metadata) > 0 {
		if buf, err := json.Marshal(c.metadata); err == nil {
			suffix = " " + c.paint(gray, string(buf))
		}
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "%s %s %s%s\n", c.paint(gray, ts), c.paint(code, "["+label+"]"), line, suffix)
}

func (c *consoleLogger) Debug(msg string, args ...any) {
	c.log(LevelDebug, green, "DEBUG", msg, args...)
}

func (c *consoleLogger) Info(msg string, args ...any) {
	c.log(LevelInfo, yellow, "INFO", msg, args...)
}

func (c *consoleLogger) Warn(msg string, args ...any) {
	c.log(LevelWarn, magenta, "WARN", msg, args...)
}

func (c *consoleLogger) Error(msg string, args ...any) {
	c.log(LevelError, red, "ERROR", msg, args...)
}
