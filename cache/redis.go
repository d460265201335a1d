package cache

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisStore is a Store backed by a shared Redis instance. Each entry is
// stored as msgpack under prefix+key with a native Redis TTL, so expiry is
// enforced server side and no sweeper is needed.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing Redis client. The caller owns the client
// and its lifecycle; Close on the store is a no-op. prefix defaults to
// "toolcache:" and keeps entries from colliding with other users of the
// same database.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "toolcache:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "cache: redis get")
	}
	var e Entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return nil, errors.Wrap(err, "cache: decode entry")
	}
	e.HitCount++
	e.LastAccessed = time.Now()
	// Fire-and-forget bookkeeping rewrite, keeping the native TTL.
	if data, err := msgpack.Marshal(&e); err == nil {
		s.client.Set(ctx, s.prefix+key, data, redis.KeepTTL)
	}
	return &e, nil
}

func (s *RedisStore) Set(ctx context.Context, e *Entry) error {
	normalizeEntry(e, time.Now())
	var ttl time.Duration
	if exp := e.Expiry(); !exp.IsZero() {
		ttl = time.Until(exp)
		if ttl <= 0 {
			return nil
		}
	}
	data, err := msgpack.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "cache: encode entry")
	}
	if err := s.client.Set(ctx, s.prefix+e.Key, data, ttl).Err(); err != nil {
		return errors.Wrap(err, "cache: redis set")
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.Wrap(err, "cache: redis delete")
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, namespace string) error {
	iter := s.client.Scan(ctx, 0, s.match(namespace), 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return errors.Wrap(err, "cache: redis clear")
		}
	}
	return errors.Wrap(iter.Err(), "cache: redis clear scan")
}

func (s *RedisStore) Entries(ctx context.Context, namespace string, fn func(Entry) bool) error {
	iter := s.client.Scan(ctx, 0, s.match(namespace), 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // expired between scan and read
		}
		if err != nil {
			return errors.Wrap(err, "cache: redis entries")
		}
		var e Entry
		if err := msgpack.Unmarshal(raw, &e); err != nil {
			return errors.Wrap(err, "cache: decode entry")
		}
		if !fn(e) {
			return nil
		}
	}
	return errors.Wrap(iter.Err(), "cache: redis entries scan")
}

func (s *RedisStore) Stats(ctx context.Context) (StoreStats, error) {
	st := StoreStats{Namespaces: make(map[string]int64)}
	iter := s.client.Scan(ctx, 0, s.match(""), 100).Iterator()
	for iter.Next(ctx) {
		st.Entries++
		if n, err := s.client.StrLen(ctx, iter.Val()).Result(); err == nil {
			st.SizeBytes += n
		}
		composed := strings.TrimPrefix(iter.Val(), s.prefix)
		if ns, _, _, err := SplitKey(composed); err == nil {
			st.Namespaces[ns]++
		}
	}
	if err := iter.Err(); err != nil {
		return StoreStats{}, errors.Wrap(err, "cache: redis stats scan")
	}
	return st, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

func (s *RedisStore) match(namespace string) string {
	if namespace == "" {
		return s.prefix + "*"
	}
	return s.prefix + namespace + Separator + "*"
}
