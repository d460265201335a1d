package cache

import (
	"context"

	envcfg "github.com/fnstack/toolcache/config"
)

// NewFromEnv constructs a Manager configured entirely from the process
// environment (and a .env file when present). See the config package for
// the recognized variables.
func NewFromEnv(ctx context.Context) (*Manager, error) {
	cfg, err := envcfg.Load()
	if err != nil {
		return nil, err
	}
	return New(ctx, OptionsFromConfig(cfg)...)
}

// OptionsFromConfig converts a loaded Config into Manager options. The
// cache directory is deliberately not passed through: New resolves the same
// environment default itself and degrades to memory-only when it cannot be
// opened, whereas an explicit WithDir would turn that into a constructor
// error.
func OptionsFromConfig(cfg envcfg.Config) []Option {
	opts := []Option{
		WithMaxEntries(cfg.MaxEntries),
		WithQueueSize(cfg.QueueSize),
		WithEnabled(!cfg.Disabled),
		WithAsyncWrites(cfg.AsyncWrites),
		WithSingleflight(cfg.Singleflight),
		WithDefaultTTL(cfg.DefaultTTL),
	}
	if !cfg.Persist {
		opts = append(opts, WithoutPersistence())
	}
	if cfg.SweepInterval > 0 {
		opts = append(opts, WithSweepInterval(cfg.SweepInterval))
	}
	return opts
}
