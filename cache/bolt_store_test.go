package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(context.Background(), filepath.Join(t.TempDir(), "cache.bolt"), time.Minute)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStoreRequiresPath(t *testing.T) {
	_, err := NewBoltStore(context.Background(), "", time.Minute)
	assert.Error(t, err)
}

func TestBoltStoreRoundTripAndHitBookkeeping(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	key := Key("ns", "v1", "k")

	e, err := s.Get(ctx, key)
	assert.NoError(t, err)
	assert.Nil(t, e)

	assert.NoError(t, s.Set(ctx, &Entry{Key: key, Value: []byte("hello"), Namespace: "ns", Version: "v1", TTL: time.Hour}))

	e, err = s.Get(ctx, key)
	assert.NoError(t, err)
	assert.NotNil(t, e)
	assert.Equal(t, []byte("hello"), e.Value)
	assert.Equal(t, int64(1), e.HitCount)
	assert.False(t, e.ExpiresAt.IsZero())

	e, err = s.Get(ctx, key)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), e.HitCount)
}

func TestBoltStoreClearNamespace(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	assert.NoError(t, s.Set(ctx, &Entry{Key: Key("a", "v1", "1"), Value: []byte("x"), Namespace: "a", Version: "v1"}))
	assert.NoError(t, s.Set(ctx, &Entry{Key: Key("b", "v1", "1"), Value: []byte("x"), Namespace: "b", Version: "v1"}))

	assert.NoError(t, s.Clear(ctx, "a"))

	var keys []string
	assert.NoError(t, s.Entries(ctx, "", func(e Entry) bool {
		keys = append(keys, e.Key)
		return true
	}))
	assert.Equal(t, []string{Key("b", "v1", "1")}, keys)
}

func TestBoltStoreEntriesFilterAndStop(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	for _, k := range []string{"1", "2", "3"} {
		assert.NoError(t, s.Set(ctx, &Entry{Key: Key("ns", "v1", k), Value: []byte(k), Namespace: "ns", Version: "v1"}))
	}
	assert.NoError(t, s.Set(ctx, &Entry{Key: Key("other", "v1", "x"), Value: []byte("x"), Namespace: "other", Version: "v1"}))

	var seen int
	assert.NoError(t, s.Entries(ctx, "ns", func(e Entry) bool {
		assert.Equal(t, "ns", e.Namespace)
		seen++
		return true
	}))
	assert.Equal(t, 3, seen)

	var count int
	assert.NoError(t, s.Entries(ctx, "", func(e Entry) bool {
		count++
		return false
	}))
	assert.Equal(t, 1, count)
}

func TestBoltStoreStats(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	assert.NoError(t, s.Set(ctx, &Entry{Key: Key("a", "v1", "1"), Value: []byte("x"), Namespace: "a", Version: "v1"}))
	assert.NoError(t, s.Set(ctx, &Entry{Key: Key("a", "v1", "2"), Value: []byte("x"), Namespace: "a", Version: "v1"}))
	assert.NoError(t, s.Set(ctx, &Entry{Key: Key("b", "v1", "1"), Value: []byte("x"), Namespace: "b", Version: "v1"}))

	st, err := s.Stats(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), st.Entries)
	assert.Equal(t, int64(2), st.Namespaces["a"])
	assert.Equal(t, int64(1), st.Namespaces["b"])
	assert.Greater(t, st.SizeBytes, int64(0))
}

func TestBoltStoreSweeperDeletesExpired(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := NewBoltStore(ctx, filepath.Join(t.TempDir(), "sweep.bolt"), 50*time.Millisecond)
	assert.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Set(ctx, &Entry{Key: Key("ns", "v1", "short"), Value: []byte("x"), Namespace: "ns", Version: "v1", TTL: 30 * time.Millisecond}))
	assert.NoError(t, s.Set(ctx, &Entry{Key: Key("ns", "v1", "forever"), Value: []byte("x"), Namespace: "ns", Version: "v1"}))

	time.Sleep(200 * time.Millisecond)

	var keys []string
	assert.NoError(t, s.Entries(ctx, "", func(e Entry) bool {
		keys = append(keys, e.Key)
		return true
	}))
	assert.Equal(t, []string{Key("ns", "v1", "forever")}, keys)
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bolt")
	ctx := context.Background()
	key := Key("ns", "v1", "k")

	s1, err := NewBoltStore(ctx, path, time.Minute)
	assert.NoError(t, err)
	assert.NoError(t, s1.Set(ctx, &Entry{Key: key, Value: []byte("hello"), Namespace: "ns", Version: "v1"}))
	assert.NoError(t, s1.Close())

	s2, err := NewBoltStore(ctx, path, time.Minute)
	assert.NoError(t, err)
	defer s2.Close()
	e, err := s2.Get(ctx, key)
	assert.NoError(t, err)
	assert.NotNil(t, e)
	assert.Equal(t, []byte("hello"), e.Value)
}

func TestBoltStoreCloseIdempotent(t *testing.T) {
	s, err := NewBoltStore(context.Background(), filepath.Join(t.TempDir(), "cache.bolt"), time.Minute)
	assert.NoError(t, err)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
