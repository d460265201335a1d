// Package cache caches the results of expensive, deterministic calls in a
// bounded in-memory LRU tier backed by an optional persistent store.
//
// # Manager
//
// [Manager] is the entry point. [Manager.Get] checks memory first and falls
// back to the persistent store, promoting hits into memory so the two tiers
// stay convergent; [Manager.Set] writes to memory immediately and persists
// through a background writer. [New] configures a Manager with functional
// options; [NewFromEnv] builds one entirely from TOOLCACHE_* environment
// variables.
//
//	m, err := cache.New(ctx, cache.WithMaxEntries(4096))
//	if err != nil { ... }
//	defer m.Close()
//
//	if err := m.Set(ctx, "search", "v1", query, results, time.Hour); err != nil { ... }
//	found, results, err := cache.GetAs[[]Result](ctx, m, "search", "v1", query)
//
// # Keying
//
// Entries are addressed by a (namespace, version, key) triple joined into a
// composed key by [Key]. Namespaces group related entries for scoped
// clearing; versions invalidate entries wholesale when the producing code
// changes. [ArgsKey] derives a deterministic key for "call tool X with
// arguments Y" workloads by hashing a canonical encoding of the arguments.
//
// # Stores
//
// Three [Store] implementations are provided:
//
//   - [NewSQLiteStore] is the default: a single database file using
//     [modernc.org/sqlite] (pure Go, no CGO), WAL mode, with hit counts and
//     last-access times maintained durably. Supports ":memory:" for tests.
//
//   - [NewBoltStore] is a single-file alternative on [go.etcd.io/bbolt] for
//     deployments that prefer a log-structured B+tree file over SQL.
//
//   - [NewRedisStore] is a shared store on [github.com/redis/go-redis/v9]
//     for multi-process or multi-node deployments. Expiry uses native Redis
//     TTLs; the caller owns the client lifecycle.
//
// When no store is configured, New opens a SQLite store under TOOLCACHE_DIR
// or the OS user cache directory, and falls back to memory-only operation
// when neither is available.
//
// # Typed reads and cache-aside
//
// Values live in memory as whatever the caller stored; values promoted from
// a store are msgpack bytes wrapped in [Encoded]. [GetAs] bridges the two
// representations: a direct type assertion for live values, a msgpack
// decode for encoded ones.
//
// [Exec] combines lookup and population under the per-key single-flight
// guard, so concurrent callers computing the same key do the work once:
//
//	found, res, err := cache.Exec(ctx, cache.ExecConfig{
//	    Namespace: "search", Version: "v1", Key: query, TTL: time.Hour,
//	}, m, func(ctx context.Context) ([]Result, bool, error) {
//	    return runSearch(ctx, query)
//	})
//
// # Degradation
//
// Persistence is an optimization, never a dependency. A store that fails to
// open at the default location, a read error, or a write error each degrade
// the Manager to memory-only operation with a logged warning; no persistence
// error is ever returned from Get, Delete or Clear, and Set fails only when
// a value cannot be serialized. A Manager that cannot persist behaves
// exactly like a pure in-memory cache.
//
// # Lifecycle
//
// Close flushes the write queue (bounded wait), stops the background writer
// and closes the store; it is idempotent and operations after Close degrade
// to memory-only. [CloseAll] closes every live Manager and suits process
// shutdown hooks. Managers that are never closed are caught by a GC cleanup
// as a safety net, but explicit Close remains the contract.
package cache
