package cache

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fnstack/toolcache/logger"
)

const (
	// DefaultMaxEntries is the memory tier capacity when WithMaxEntries is
	// not given.
	DefaultMaxEntries = 1024

	// DefaultQueueSize is the background write queue capacity when
	// WithQueueSize is not given.
	DefaultQueueSize = 256

	// DefaultCloseWait bounds how long Close waits for the background
	// writer to drain before proceeding anyway.
	DefaultCloseWait = 5 * time.Second

	// DefaultDBFile is the store filename created inside a cache directory.
	DefaultDBFile = "toolcache.db"
)

// bulkGetLimit caps the number of concurrent lookups a BulkGet resolves.
const bulkGetLimit = 8

var (
	// ErrInvalidCapacity is returned by New when the memory capacity is not
	// positive.
	ErrInvalidCapacity = errors.New("cache: memory capacity must be positive")

	// ErrInvalidQueueSize is returned by New when the write queue capacity
	// is not positive.
	ErrInvalidQueueSize = errors.New("cache: write queue size must be positive")
)

// config holds the resolved configuration for a Manager.
type config struct {
	maxEntries   int
	store        Store
	path         string
	dir          string
	persist      bool
	defaultTTL   time.Duration
	asyncWrites  bool
	queueSize    int
	singleflight bool
	log          logger.Logger
	enabled      bool
	sweep        time.Duration
	closeWait    time.Duration
}

// Option configures a Manager.
type Option func(*config)

func defaultConfig() config {
	return config{
		maxEntries:   DefaultMaxEntries,
		persist:      envFlag("TOOLCACHE_PERSIST", true),
		asyncWrites:  envFlag("TOOLCACHE_ASYNC_WRITES", true),
		queueSize:    DefaultQueueSize,
		singleflight: envFlag("TOOLCACHE_SINGLEFLIGHT", true),
		log:          logger.NewNoop(),
		enabled:      !envFlag("TOOLCACHE_DISABLED", false),
		sweep:        time.Minute,
		closeWait:    DefaultCloseWait,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithMaxEntries sets the memory tier capacity in entries. Defaults to
// DefaultMaxEntries (1024).
func WithMaxEntries(n int) Option {
	return func(c *config) { c.maxEntries = n }
}

// WithDefaultTTL sets the TTL applied when Set is called with ttl <= 0.
// Defaults to zero, meaning entries never expire unless a TTL is given.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithStore supplies a pre-built persistent store. The Manager takes
// ownership and closes it on Close. Takes precedence over WithPath and
// WithDir.
func WithStore(s Store) Option {
	return func(c *config) { c.store = s }
}

// WithPath sets an explicit store file path. An open failure on an explicit
// path is a constructor error rather than a degradation.
func WithPath(path string) Option {
	return func(c *config) { c.path = path }
}

// WithDir sets the directory the store file is created in. Defaults to
// TOOLCACHE_DIR, then the user cache directory; when neither resolves the
// Manager runs memory-only.
func WithDir(dir string) Option {
	return func(c *config) { c.dir = dir }
}

// WithoutPersistence disables the persistent tier entirely.
func WithoutPersistence() Option {
	return func(c *config) { c.persist = false }
}

// WithAsyncWrites controls whether persistent writes go through the
// background writer. Defaults to the TOOLCACHE_ASYNC_WRITES environment
// flag, then true.
func WithAsyncWrites(enabled bool) Option {
	return func(c *config) { c.asyncWrites = enabled }
}

// WithQueueSize sets the background write queue capacity. Defaults to
// DefaultQueueSize (256).
func WithQueueSize(n int) Option {
	return func(c *config) { c.queueSize = n }
}

// WithSingleflight controls the per-key guard returned by Guard. Defaults
// to the TOOLCACHE_SINGLEFLIGHT environment flag, then true.
func WithSingleflight(enabled bool) Option {
	return func(c *config) { c.singleflight = enabled }
}

// WithLogger sets the logger for degraded-operation warnings. Defaults to
// the no-op logger so the library stays quiet unless asked.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithEnabled controls whether the Manager caches at all. A disabled
// Manager misses every Get and ignores every write. Defaults to the
// inverse of the TOOLCACHE_DISABLED environment flag.
func WithEnabled(enabled bool) Option {
	return func(c *config) { c.enabled = enabled }
}

// WithSweepInterval sets how often file stores delete expired entries in
// the background. Defaults to 1 minute.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweep = d }
}

// WithCloseWait bounds how long Close waits for the background writer.
// Defaults to DefaultCloseWait (5 seconds).
func WithCloseWait(d time.Duration) Option {
	return func(c *config) { c.closeWait = d }
}

// Manager coordinates a bounded in-memory LRU tier over an optional
// persistent store. Reads check memory first and promote persistent hits;
// writes land in memory immediately and reach the store through a background
// writer. Persistence failures degrade the Manager to memory-only operation
// rather than surfacing errors to callers.
type Manager struct {
	id         string
	log        logger.Logger
	memory     *memoryCache
	guard      *keyedGuard
	tier       *persistTier
	defaultTTL time.Duration
	enabled    bool
	slot       uint64
	cleanup    runtime.Cleanup
	closeOnce  sync.Once
}

// Lookup names one entry for BulkGet.
type Lookup struct {
	Namespace string
	Version   string
	Key       string
}

// Stats is the aggregate state of a Manager. Persistent is nil when the
// persistent tier is absent or has been disabled.
type Stats struct {
	ID          string      `json:"id"`
	Enabled     bool        `json:"enabled"`
	Memory      MemoryStats `json:"memory"`
	Persistent  *StoreStats `json:"persistent,omitempty"`
	AsyncWrites bool        `json:"async_writes"`
	QueueDepth  int         `json:"queue_depth"`
}

// New returns a Manager. The context is the parent for the background
// writer and store sweepers; cancelling it stops them. Configuration errors
// (invalid capacity or queue size, an explicit store path that cannot be
// opened) are the only errors; a default store location that cannot be
// opened logs a warning and the Manager runs memory-only.
func New(ctx context.Context, opts ...Option) (*Manager, error) {
	cfg := applyOptions(opts)
	if cfg.maxEntries <= 0 {
		return nil, ErrInvalidCapacity
	}
	if cfg.queueSize <= 0 {
		return nil, ErrInvalidQueueSize
	}

	id := uuid.New().String()
	log := cfg.log.With(map[string]any{"cache": id[:8]})
	m := &Manager{
		id:         id,
		log:        log,
		memory:     newMemoryCache(cfg.maxEntries),
		defaultTTL: cfg.defaultTTL,
		enabled:    cfg.enabled,
	}
	if cfg.singleflight {
		m.guard = newKeyedGuard()
	}

	if cfg.enabled && cfg.persist {
		store, err := openStore(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		if store != nil {
			t := &persistTier{store: store, log: log, closeWait: cfg.closeWait}
			t.storeOK.Store(true)
			t.asyncOK.Store(true)
			if cfg.asyncWrites {
				workerCtx, cancel := context.WithCancel(ctx)
				t.queue = make(chan writeJob, cfg.queueSize)
				t.done = make(chan struct{})
				t.cancel = cancel
				go t.run(workerCtx)
			}
			m.tier = t
		}
	}

	m.slot = registerManager(m)
	if m.tier != nil {
		// Safety net for managers that are never closed: release the
		// writer and the store when the Manager becomes unreachable.
		m.cleanup = runtime.AddCleanup(m, func(t *persistTier) { _ = t.close() }, m.tier)
	}
	return m, nil
}

// openStore resolves the persistent store from the configuration: an
// explicit Store, then an explicit path, then an explicit directory, then
// the environment-derived default location. Only explicit requests turn
// open failures into errors.
func openStore(ctx context.Context, cfg config, log logger.Logger) (Store, error) {
	if cfg.store != nil {
		return cfg.store, nil
	}
	if cfg.path != "" {
		return NewSQLiteStore(ctx, cfg.path, cfg.sweep)
	}
	if cfg.dir != "" {
		if err := os.MkdirAll(cfg.dir, 0o700); err != nil {
			return nil, errors.Wrapf(err, "cache: create cache directory %q", cfg.dir)
		}
		return NewSQLiteStore(ctx, filepath.Join(cfg.dir, DefaultDBFile), cfg.sweep)
	}
	dir := defaultCacheDir()
	if dir == "" {
		log.Debug("no cache directory resolved, running memory-only")
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Warn("cannot create cache directory %s, running memory-only: %s", dir, err)
		return nil, nil
	}
	store, err := NewSQLiteStore(ctx, filepath.Join(dir, DefaultDBFile), cfg.sweep)
	if err != nil {
		log.Warn("cannot open cache store in %s, running memory-only: %s", dir, err)
		return nil, nil
	}
	return store, nil
}

// defaultCacheDir resolves the default cache directory: TOOLCACHE_DIR,
// then the OS user cache directory. Empty means persistence is unavailable.
func defaultCacheDir() string {
	if dir := os.Getenv("TOOLCACHE_DIR"); dir != "" {
		return dir
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "toolcache")
}

func envFlag(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

// ID returns the Manager's unique instance identifier.
func (m *Manager) ID() string {
	return m.id
}

// Get looks up a value by namespace, version and key. Memory hits return
// the live value; persistent hits are promoted into memory and returned as
// Encoded bytes (decode with GetAs). Expired entries are removed from both
// tiers and reported as misses. Store failures degrade the Manager to
// memory-only; Get never returns an error.
func (m *Manager) Get(ctx context.Context, namespace, version, key string) (bool, any) {
	if !m.enabled {
		return false, nil
	}
	composed := Key(namespace, version, key)
	now := time.Now()

	if rec, ok := m.memory.get(composed); ok {
		if rec.ExpiresAt.IsZero() || now.Before(rec.ExpiresAt) {
			return true, rec.Value
		}
		m.memory.delete(composed)
		// Expired in memory; the store may hold a fresher write.
	}

	t := m.tier
	if t == nil || !t.storeOK.Load() {
		return false, nil
	}
	entry, err := t.store.Get(ctx, composed)
	if err != nil {
		t.disable("read", err)
		return false, nil
	}
	if entry == nil {
		return false, nil
	}
	if entry.Expired(now) {
		if derr := t.store.Delete(ctx, composed); derr != nil {
			t.log.Warn("deleting expired entry %s: %s", composed, derr)
		}
		return false, nil
	}
	m.memory.set(composed, Record{
		Value:     Encoded(entry.Value),
		ExpiresAt: entry.Expiry(),
		Namespace: entry.Namespace,
		Version:   entry.Version,
	})
	return true, Encoded(entry.Value)
}

// Set stores a value under namespace, version and key. A ttl <= 0 applies
// the Manager's default TTL; when no default is configured the entry never
// expires. The value lands in memory immediately and is persisted through
// the background writer, falling back to a synchronous write when the queue
// is full or asynchronous persistence has been disabled. Set returns an
// error only when the value cannot be msgpack-encoded; persistence I/O
// failures are logged and degrade the Manager instead.
//
// A synchronous fallback write is not ordered against writes already queued
// for the same key; whichever lands last wins.
func (m *Manager) Set(ctx context.Context, namespace, version, key string, value any, ttl time.Duration) error {
	if !m.enabled {
		return nil
	}
	composed := Key(namespace, version, key)
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := time.Now()
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	m.memory.set(composed, Record{
		Value:     value,
		ExpiresAt: expires,
		Namespace: namespace,
		Version:   version,
	})

	t := m.tier
	if t == nil || !t.storeOK.Load() {
		return nil
	}
	data, err := encodeValue(value)
	if err != nil {
		return errors.Wrapf(err, "cache: encode value for %q", composed)
	}
	entry := &Entry{
		Key:          composed,
		Value:        data,
		Namespace:    namespace,
		Version:      version,
		TTL:          ttl,
		CreatedAt:    now,
		ExpiresAt:    expires,
		LastAccessed: now,
	}
	if t.queue != nil && t.asyncOK.Load() {
		select {
		case t.queue <- writeJob{entry: entry}:
			return nil
		default:
			// Queue full; fall through to a synchronous write.
		}
	}
	t.persistSync(ctx, entry)
	return nil
}

// Delete removes the entry from both tiers. Store failures are logged,
// never returned.
func (m *Manager) Delete(ctx context.Context, namespace, version, key string) {
	if !m.enabled {
		return
	}
	composed := Key(namespace, version, key)
	m.memory.delete(composed)
	t := m.tier
	if t == nil || !t.storeOK.Load() {
		return
	}
	if err := t.store.Delete(ctx, composed); err != nil {
		t.log.Warn("deleting entry %s: %s", composed, err)
	}
}

// Clear removes every entry under namespace from both tiers; an empty
// namespace clears everything. Pending asynchronous writes are flushed
// first so a queued write cannot resurrect a cleared entry.
func (m *Manager) Clear(ctx context.Context, namespace string) {
	if !m.enabled {
		return
	}
	if namespace == "" {
		m.memory.clear()
	} else {
		for _, it := range m.memory.items() {
			if it.record.Namespace == namespace {
				m.memory.delete(it.key)
			}
		}
	}
	t := m.tier
	if t == nil || !t.storeOK.Load() {
		return
	}
	t.flush()
	if err := t.store.Clear(ctx, namespace); err != nil {
		t.log.Warn("clearing namespace %q: %s", namespace, err)
	}
}

// BulkGet resolves each lookup independently and returns only the hits,
// keyed by composed key. Misses and degraded lookups never abort the batch.
func (m *Manager) BulkGet(ctx context.Context, lookups []Lookup) map[string]any {
	results := make(map[string]any, len(lookups))
	var mu sync.Mutex
	var group errgroup.Group
	group.SetLimit(bulkGetLimit)
	for _, l := range lookups {
		group.Go(func() error {
			if found, val := m.Get(ctx, l.Namespace, l.Version, l.Key); found {
				mu.Lock()
				results[Key(l.Namespace, l.Version, l.Key)] = val
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// Stats aggregates memory stats, persistent store stats (nil when the tier
// is absent or disabled), the effective async-write state and the pending
// write queue depth.
func (m *Manager) Stats(ctx context.Context) Stats {
	st := Stats{ID: m.id, Enabled: m.enabled, Memory: m.memory.stats()}
	t := m.tier
	if t == nil || !t.storeOK.Load() {
		return st
	}
	st.AsyncWrites = t.queue != nil && t.asyncOK.Load()
	if t.queue != nil {
		st.QueueDepth = len(t.queue)
	}
	if ss, err := t.store.Stats(ctx); err != nil {
		t.log.Warn("reading store stats: %s", err)
	} else {
		st.Persistent = &ss
	}
	return st
}

// Dump flushes pending writes and then streams every persistent entry under
// namespace (all entries when empty) to fn until fn returns false. A
// memory-only Manager produces nothing.
func (m *Manager) Dump(ctx context.Context, namespace string, fn func(Entry) bool) {
	if !m.enabled {
		return
	}
	t := m.tier
	if t == nil || !t.storeOK.Load() {
		return
	}
	t.flush()
	if err := t.store.Entries(ctx, namespace, fn); err != nil {
		t.disable("iterate", err)
	}
}

// Flush blocks until every write queued before the call has been handed to
// the store. It returns immediately when there is no background writer.
func (m *Manager) Flush() {
	if m.tier != nil {
		m.tier.flush()
	}
}

// Guard acquires the single-flight lock for a composed key and returns its
// release function. Callers should defer the release; releasing twice is
// safe. When single-flight is disabled the release is a no-op.
func (m *Manager) Guard(composedKey string) (release func()) {
	if m.guard == nil {
		return func() {}
	}
	return m.guard.Acquire(composedKey)
}

// Close drains the background writer (bounded by the close wait), closes
// the persistent store and unregisters the Manager. It is idempotent, and
// operations after Close degrade to memory-only behavior rather than
// failing.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		unregisterManager(m.slot)
		if m.tier != nil {
			m.cleanup.Stop()
			err = m.tier.close()
		}
	})
	return err
}

// writeJob is one unit of work for the background writer: either an entry
// to persist or a flush token whose channel is closed when the writer
// reaches it.
type writeJob struct {
	entry *Entry
	flush chan struct{}
}

// persistTier owns the persistent store and the background writer. It is
// deliberately separate from Manager so the leak cleanup can hold it
// without keeping the Manager reachable.
type persistTier struct {
	store     Store
	log       logger.Logger
	queue     chan writeJob // nil when async writes are disabled
	cancel    context.CancelFunc
	done      chan struct{}
	storeOK   atomic.Bool // store usable at all (read path health)
	asyncOK   atomic.Bool // async writes allowed (worker circuit breaker)
	closeWait time.Duration
	closeOnce sync.Once
}

// disable turns the persistent tier off for the remainder of the session.
// The warning is logged once.
func (t *persistTier) disable(op string, err error) {
	if t.storeOK.CompareAndSwap(true, false) {
		t.log.Warn("persistent cache disabled for this session: %s failed: %s", op, err)
	}
}

// persistSync writes an entry to the store on the caller's goroutine. A
// failure here means the store is not usable and disables the tier.
func (t *persistTier) persistSync(ctx context.Context, e *Entry) {
	if err := t.store.Set(ctx, e); err != nil {
		t.disable("write", err)
	}
}

// flush pushes an ack token through the queue and waits for the writer to
// reach it, which by FIFO order means every previously queued write has
// been processed. Returns immediately if the writer has already exited.
func (t *persistTier) flush() {
	if t.queue == nil {
		return
	}
	ack := make(chan struct{})
	select {
	case t.queue <- writeJob{flush: ack}:
	case <-t.done:
		return
	}
	select {
	case <-ack:
	case <-t.done:
	}
}

// run is the background writer loop: process jobs as they arrive, and on
// shutdown drain what is already queued before exiting so a write enqueued
// just before Close is not lost.
func (t *persistTier) run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case job := <-t.queue:
			t.process(job)
		case <-ctx.Done():
			for {
				select {
				case job := <-t.queue:
					t.process(job)
				default:
					return
				}
			}
		}
	}
}

// process executes one queued job. The store write runs under its own
// timeout detached from the worker context so the shutdown drain can still
// complete its writes. A write failure trips the async circuit breaker:
// later Sets fall back to synchronous persistence and remaining queued jobs
// are drained without touching the store.
func (t *persistTier) process(job writeJob) {
	if job.flush != nil {
		close(job.flush)
		return
	}
	if job.entry == nil || !t.asyncOK.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeQueryTimeout)
	defer cancel()
	if err := t.store.Set(ctx, job.entry); err != nil {
		t.asyncOK.Store(false)
		t.log.Warn("async write for %s failed, disabling asynchronous persistence: %s", job.entry.Key, err)
	}
}

// close stops the writer, waits for the drain within the close wait bound
// and closes the store. Idempotent.
func (t *persistTier) close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
			select {
			case <-t.done:
			case <-time.After(t.closeWait):
				t.log.Warn("background writer did not stop within %s, closing anyway", t.closeWait)
			}
		}
		t.storeOK.Store(false)
		err = t.store.Close()
	})
	return err
}
