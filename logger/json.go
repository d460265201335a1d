package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// JSONLogEntry is the wire shape of one structured log line.
type JSONLogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type jsonLogger struct {
	mu       sync.Mutex
	w        io.Writer
	level    LogLevel
	metadata map[string]any
}

var _ Logger = (*jsonLogger)(nil)

// NewJSON returns a Logger that writes one JSON object per line to w.
// Suitable for log collectors that ingest structured output.
func NewJSON(w io.Writer, level LogLevel) Logger {
	return &jsonLogger{w: w, level: level}
}

func (c *jsonLogger) With(fields map[string]any) Logger {
	metadata := make(map[string]any, len(c.metadata)+len(fields))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	for k, v := range fields {
		metadata[k] = v
	}
	return &jsonLogger{w: c.w, level: c.level, metadata: metadata}
}

func (c *jsonLogger) log(level LogLevel, severity, msg string, args ...any) {
	if level < c.level {
		return
	}
	entry := JSONLogEntry{
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Message:   fmt.Sprintf(msg, args...),
		Metadata:  c.metadata,
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Write(append(buf, '\n'))
}

func (c *jsonLogger) Debug(msg string, args ...any) { c.log(LevelDebug, "DEBUG", msg, args...) }
func (c *jsonLogger) Info(msg string, args ...any)  { c.log(LevelInfo, "INFO", msg, args...) }
func (c *jsonLogger) Warn(msg string, args ...any)  { c.log(LevelWarn, "WARNING", msg, args...) }
func (c *jsonLogger) Error(msg string, args ...any) { c.log(LevelError, "ERROR", msg, args...) }
