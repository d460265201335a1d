package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var allVars = []string{
	"TOOLCACHE_DIR", "TOOLCACHE_DISABLED", "TOOLCACHE_PERSIST",
	"TOOLCACHE_ASYNC_WRITES", "TOOLCACHE_SINGLEFLIGHT",
	"TOOLCACHE_MAX_ENTRIES", "TOOLCACHE_QUEUE_SIZE",
	"TOOLCACHE_DEFAULT_TTL", "TOOLCACHE_SWEEP_INTERVAL",
	"TOOLCACHE_LOG_LEVEL", "TOOLCACHE_SOCKET",
}

// clearEnv unsets variables for the test, restoring them afterwards.
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "") // registers the restore
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, allVars...)

	cfg, err := Load()
	assert.NoError(t, err)
	assert.Empty(t, cfg.Dir)
	assert.False(t, cfg.Disabled)
	assert.True(t, cfg.Persist)
	assert.True(t, cfg.AsyncWrites)
	assert.True(t, cfg.Singleflight)
	assert.Equal(t, 1024, cfg.MaxEntries)
	assert.Equal(t, 256, cfg.QueueSize)
	assert.Equal(t, time.Duration(0), cfg.DefaultTTL)
	assert.Equal(t, time.Duration(0), cfg.SweepInterval)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Empty(t, cfg.Socket)
}

func TestLoadParsesValues(t *testing.T) {
	t.Setenv("TOOLCACHE_DIR", "/tmp/tc")
	t.Setenv("TOOLCACHE_DISABLED", "true")
	t.Setenv("TOOLCACHE_PERSIST", "false")
	t.Setenv("TOOLCACHE_ASYNC_WRITES", "false")
	t.Setenv("TOOLCACHE_MAX_ENTRIES", "32")
	t.Setenv("TOOLCACHE_QUEUE_SIZE", "8")
	t.Setenv("TOOLCACHE_DEFAULT_TTL", "36h")
	t.Setenv("TOOLCACHE_SWEEP_INTERVAL", "90s")
	t.Setenv("TOOLCACHE_LOG_LEVEL", "debug")
	t.Setenv("TOOLCACHE_SOCKET", "/tmp/tc.sock")

	cfg, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, "/tmp/tc", cfg.Dir)
	assert.True(t, cfg.Disabled)
	assert.False(t, cfg.Persist)
	assert.False(t, cfg.AsyncWrites)
	assert.Equal(t, 32, cfg.MaxEntries)
	assert.Equal(t, 8, cfg.QueueSize)
	assert.Equal(t, 36*time.Hour, cfg.DefaultTTL)
	assert.Equal(t, 90*time.Second, cfg.SweepInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/tc.sock", cfg.Socket)
}

func TestLoadExtendedDurations(t *testing.T) {
	t.Setenv("TOOLCACHE_DEFAULT_TTL", "7d")
	t.Setenv("TOOLCACHE_SWEEP_INTERVAL", "1w2d6h")

	cfg, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, cfg.DefaultTTL)
	assert.Equal(t, 9*24*time.Hour+6*time.Hour, cfg.SweepInterval)
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("TOOLCACHE_DEFAULT_TTL", "soon")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestCacheDirPrecedence(t *testing.T) {
	cfg := Config{Dir: "/explicit/dir"}
	assert.Equal(t, "/explicit/dir", cfg.CacheDir())

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CACHE_HOME", "")
	os.Unsetenv("XDG_CACHE_HOME")
	cfg = Config{}
	assert.Equal(t, filepath.Join(home, ".cache", "toolcache"), cfg.CacheDir())
}
