package logger

import (
	"fmt"
	"strings"
	"sync"
)

// TestLogEntry records a single log call made against a TestLogger.
type TestLogEntry struct {
	Severity string
	Message  string
	Metadata map[string]any
}

// TestLogger captures log entries for assertions in tests. Entries are shared
// across With clones so a test sees everything the code under test logged,
// including calls from background goroutines.
type TestLogger struct {
	mu       *sync.Mutex
	entries  *[]TestLogEntry
	metadata map[string]any
}

var _ Logger = (*TestLogger)(nil)

// NewTestLogger returns a Logger that records every entry in memory.
func NewTestLogger() *TestLogger {
	entries := make([]TestLogEntry, 0)
	return &TestLogger{mu: &sync.Mutex{}, entries: &entries}
}

func (c *TestLogger) With(fields map[string]any) Logger {
	metadata := make(map[string]any, len(c.metadata)+len(fields))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	for k, v := range fields {
		metadata[k] = v
	}
	return &TestLogger{mu: c.mu, entries: c.entries, metadata: metadata}
}

func (c *TestLogger) log(severity, msg string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.entries = append(*c.entries, TestLogEntry{
		Severity: severity,
		Message:  fmt.Sprintf(msg, args...),
		Metadata: c.metadata,
	})
}

func (c *TestLogger) Debug(msg string, args ...any) { c.log("DEBUG", msg, args...) }
func (c *TestLogger) Info(msg string, args ...any)  { c.log("INFO", msg, args...) }
func (c *TestLogger) Warn(msg string, args ...any)  { c.log("WARNING", msg, args...) }
func (c *TestLogger) Error(msg string, args ...any) { c.log("ERROR", msg, args...) }

// Entries returns a snapshot of everything logged so far.
func (c *TestLogger) Entries() []TestLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TestLogEntry, len(*c.entries))
	copy(out, *c.entries)
	return out
}

// Contains reports whether any captured message contains the given substring.
func (c *TestLogger) Contains(substr string) bool {
	for _, e := range c.Entries() {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}
