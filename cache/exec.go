package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoded marks a value that is already msgpack bytes: entries promoted from
// the persistent tier carry their serialized form, and callers that receive
// pre-encoded payloads (the daemon, for one) can pass them straight to Set
// without a second encoding round.
type Encoded []byte

// encodeValue serializes a value for the persistent tier. Encoded values
// pass through untouched.
func encodeValue(value any) ([]byte, error) {
	if enc, ok := value.(Encoded); ok {
		return []byte(enc), nil
	}
	return msgpack.Marshal(value)
}

// GetAs retrieves a typed value. Live memory hits are type-asserted
// directly; promoted and persistent hits arrive as Encoded bytes and are
// msgpack-decoded into T. The Encoded check runs first so a caller asking
// for []byte gets the decoded payload rather than the raw encoding.
func GetAs[T any](ctx context.Context, m *Manager, namespace, version, key string) (bool, T, error) {
	found, val := m.Get(ctx, namespace, version, key)
	if !found {
		var zero T
		return false, zero, nil
	}
	if data, ok := val.(Encoded); ok {
		var out T
		if err := msgpack.Unmarshal(data, &out); err != nil {
			var zero T
			return false, zero, errors.Wrapf(err, "cache: unmarshal value for %q", Key(namespace, version, key))
		}
		return true, out, nil
	}
	if typed, ok := val.(T); ok {
		return true, typed, nil
	}
	var zero T
	return false, zero, errors.Newf("cache: cannot convert value of type %T to %T", val, zero)
}

// Invoker produces a value of type T on a cache miss. The bool return
// indicates whether a value was found; return false to signal "not found"
// without caching a zero value.
type Invoker[T any] func(ctx context.Context) (T, bool, error)

// ExecConfig configures the Exec helper.
type ExecConfig struct {
	// Namespace groups related entries for scoped clearing. Required.
	Namespace string
	// Version invalidates entries when the producing code changes.
	Version string
	// Key identifies the entry within the namespace. Required.
	Key string
	// TTL is the entry lifetime. Zero applies the Manager's default.
	TTL time.Duration
}

// Exec is a cache-aside helper. It checks the cache first and returns a hit
// immediately. On a miss it acquires the single-flight guard for the
// composed key, re-checks the cache (a concurrent caller may have filled it
// while we waited), and only then invokes the function. A found value is
// stored and returned; an invoke that reports found=false caches nothing.
// A Set failure after a successful invoke is swallowed since the caller
// already has their value.
func Exec[T any](ctx context.Context, cfg ExecConfig, m *Manager, invoke Invoker[T]) (bool, T, error) {
	found, val, err := GetAs[T](ctx, m, cfg.Namespace, cfg.Version, cfg.Key)
	if err != nil {
		var zero T
		return false, zero, err
	}
	if found {
		return true, val, nil
	}

	release := m.Guard(Key(cfg.Namespace, cfg.Version, cfg.Key))
	defer release()

	// Re-check under the guard; a decode failure here is treated as a miss
	// and recomputed rather than surfaced.
	found, val, err = GetAs[T](ctx, m, cfg.Namespace, cfg.Version, cfg.Key)
	if err == nil && found {
		return true, val, nil
	}

	result, ok, err := invoke(ctx)
	if err != nil {
		var zero T
		return false, zero, err
	}
	if !ok {
		var zero T
		return false, zero, nil
	}
	_ = m.Set(ctx, cfg.Namespace, cfg.Version, cfg.Key, result, cfg.TTL)
	return true, result, nil
}
