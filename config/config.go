// Package config loads toolcache settings from the process environment.
// Every knob has a TOOLCACHE_* variable so embedding applications and the
// CLI resolve the same defaults. A .env file in the working directory is
// loaded first, best-effort, so local development can override without
// touching the shell.
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/xhit/go-str2duration/v2"
)

// Config is the environment-derived cache configuration.
type Config struct {
	// Dir is the directory holding the store file. Empty falls back to the
	// OS user cache directory; if that is unavailable persistence is
	// disabled.
	Dir string `env:"TOOLCACHE_DIR"`

	// Disabled turns caching off entirely.
	Disabled bool `env:"TOOLCACHE_DISABLED"`

	// Persist controls the persistent tier. Memory-only when false.
	Persist bool `env:"TOOLCACHE_PERSIST" envDefault:"true"`

	// AsyncWrites routes persistent writes through the background writer.
	AsyncWrites bool `env:"TOOLCACHE_ASYNC_WRITES" envDefault:"true"`

	// Singleflight enables the per-key guard.
	Singleflight bool `env:"TOOLCACHE_SINGLEFLIGHT" envDefault:"true"`

	// MaxEntries is the memory tier capacity.
	MaxEntries int `env:"TOOLCACHE_MAX_ENTRIES" envDefault:"1024"`

	// QueueSize is the background write queue capacity.
	QueueSize int `env:"TOOLCACHE_QUEUE_SIZE" envDefault:"256"`

	// DefaultTTL applies to writes that do not carry their own TTL. Zero
	// means entries never expire. Accepts the extended duration grammar
	// ("36h", "7d", "1w2d6h").
	DefaultTTL time.Duration `env:"TOOLCACHE_DEFAULT_TTL"`

	// SweepInterval is how often file stores delete expired entries.
	SweepInterval time.Duration `env:"TOOLCACHE_SWEEP_INTERVAL"`

	// LogLevel is the minimum level for the CLI and daemon loggers.
	LogLevel string `env:"TOOLCACHE_LOG_LEVEL" envDefault:"warn"`

	// Socket is the unix socket path the sharing daemon listens on.
	Socket string `env:"TOOLCACHE_SOCKET"`
}

// Load fills a Config from the environment after a best-effort .env load.
// Duration variables accept the extended grammar parsed by str2duration, so
// "7d" and "1w" work alongside the standard "300ms" and "36h" forms.
func Load() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	err := env.ParseWithOptions(&cfg, env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(time.Duration(0)): parseDuration,
		},
	})
	if err != nil {
		return Config{}, errors.Wrap(err, "config: parse environment")
	}
	return cfg, nil
}

func parseDuration(raw string) (any, error) {
	d, err := str2duration.ParseDuration(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid duration %q", raw)
	}
	return d, nil
}

// CacheDir resolves the directory for the store file: the configured Dir,
// then the OS user cache directory. Empty means no directory is available
// and persistence should be disabled.
func (c Config) CacheDir() string {
	if c.Dir != "" {
		return c.Dir
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "toolcache")
}
