package cache

import (
	"context"
	"time"
)

// Entry is the persistent representation of a cached value. Value holds the
// msgpack encoding of the payload. When a TTL is given at write time the
// Manager precomputes ExpiresAt once, so the memory and persistent tiers
// agree on the exact expiry instant instead of each deriving it.
type Entry struct {
	Key          string        `msgpack:"key" json:"key"`
	Value        []byte        `msgpack:"value" json:"value,omitempty"`
	Namespace    string        `msgpack:"namespace" json:"namespace"`
	Version      string        `msgpack:"version" json:"version"`
	TTL          time.Duration `msgpack:"ttl" json:"ttl"`
	CreatedAt    time.Time     `msgpack:"created_at" json:"created_at"`
	ExpiresAt    time.Time     `msgpack:"expires_at" json:"expires_at,omitzero"`
	LastAccessed time.Time     `msgpack:"last_accessed" json:"last_accessed"`
	HitCount     int64         `msgpack:"hit_count" json:"hit_count"`
}

// Expiry returns the effective expiry instant: the stored ExpiresAt when
// present, otherwise CreatedAt plus TTL. The zero time means the entry never
// expires.
func (e *Entry) Expiry() time.Time {
	if !e.ExpiresAt.IsZero() {
		return e.ExpiresAt
	}
	if e.TTL > 0 {
		return e.CreatedAt.Add(e.TTL)
	}
	return time.Time{}
}

// Expired reports whether the entry's effective expiry has passed at now.
func (e *Entry) Expired(now time.Time) bool {
	exp := e.Expiry()
	return !exp.IsZero() && !exp.After(now)
}

// StoreStats reports the state of a persistent store.
type StoreStats struct {
	Entries    int64            `json:"entries"`
	SizeBytes  int64            `json:"size_bytes"`
	Namespaces map[string]int64 `json:"namespaces,omitempty"`
}

// Store is the persistent backing tier consumed by the Manager. Three
// implementations are provided: SQLite (NewSQLiteStore), Bolt (NewBoltStore),
// and Redis (NewRedisStore).
//
// Implementations must tolerate concurrent upserts: the Manager's background
// writer and caller goroutines falling back to synchronous writes may touch
// the store at the same time, so each operation must be atomic at the storage
// layer.
type Store interface {
	// Get fetches an entry by composed key, returning nil when absent. A
	// successful read durably bumps the entry's HitCount and LastAccessed,
	// and the returned entry reflects the bumped values.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set durably upserts an entry. A caller-supplied CreatedAt/ExpiresAt is
	// authoritative; when absent the store fills them in itself.
	Set(ctx context.Context, e *Entry) error

	// Delete removes an entry. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes all entries, or only those in the given namespace when
	// namespace is non-empty.
	Clear(ctx context.Context, namespace string) error

	// Entries iterates a snapshot of stored entries, optionally filtered by
	// namespace, invoking fn for each until it returns false. Each call
	// produces a fresh iteration; ordering is deterministic within a single
	// call but otherwise unspecified.
	Entries(ctx context.Context, namespace string, fn func(Entry) bool) error

	// Stats returns the entry count, approximate storage size, and a
	// per-namespace entry breakdown.
	Stats(ctx context.Context) (StoreStats, error)

	// Close releases the underlying storage handle. Safe to call more than
	// once.
	Close() error
}

// storeQueryTimeout bounds each store operation so slow or unresponsive
// storage cannot hang a cache call indefinitely.
const storeQueryTimeout = 5 * time.Second

func queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, storeQueryTimeout)
}

// normalizeEntry fills in the fields the coordinator may leave unset so every
// stored entry carries a complete record.
func normalizeEntry(e *Entry, now time.Time) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.ExpiresAt.IsZero() && e.TTL > 0 {
		e.ExpiresAt = e.CreatedAt.Add(e.TTL)
	}
	if e.LastAccessed.IsZero() {
		e.LastAccessed = e.CreatedAt
	}
}
