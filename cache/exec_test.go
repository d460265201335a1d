package cache

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/vmihailenco/msgpack/v5"
)

func TestExecMissInvokesAndCaches(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, WithoutPersistence())
	assert.NoError(t, err)
	defer m.Close()

	cfg := ExecConfig{Namespace: "tool", Version: "v1", Key: "query"}
	var calls int
	invoke := func(ctx context.Context) (string, bool, error) {
		calls++
		return "computed", true, nil
	}

	found, val, err := Exec(ctx, cfg, m, invoke)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "computed", val)
	assert.Equal(t, 1, calls)

	// The second call is served from the cache.
	found, val, err = Exec(ctx, cfg, m, invoke)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "computed", val)
	assert.Equal(t, 1, calls)
}

func TestExecHitSkipsInvoker(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, WithoutPersistence())
	assert.NoError(t, err)
	defer m.Close()

	assert.NoError(t, m.Set(ctx, "tool", "v1", "query", "cached", 0))

	cfg := ExecConfig{Namespace: "tool", Version: "v1", Key: "query"}
	found, val, err := Exec(ctx, cfg, m, func(ctx context.Context) (string, bool, error) {
		t.Fatal("invoker must not run on a hit")
		return "", false, nil
	})
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "cached", val)
}

func TestExecInvokerErrorPropagates(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, WithoutPersistence())
	assert.NoError(t, err)
	defer m.Close()

	boom := errors.New("backend down")
	cfg := ExecConfig{Namespace: "tool", Version: "v1", Key: "query"}
	found, _, err := Exec(ctx, cfg, m, func(ctx context.Context) (string, bool, error) {
		return "", false, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, found)

	// Nothing was cached.
	cached, _ := m.Get(ctx, "tool", "v1", "query")
	assert.False(t, cached)
}

func TestExecNotFoundNotCached(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, WithoutPersistence())
	assert.NoError(t, err)
	defer m.Close()

	cfg := ExecConfig{Namespace: "tool", Version: "v1", Key: "query"}
	var calls int
	invoke := func(ctx context.Context) (int, bool, error) {
		calls++
		return 0, false, nil
	}

	found, _, err := Exec(ctx, cfg, m, invoke)
	assert.NoError(t, err)
	assert.False(t, found)

	// A found=false result caches nothing, so the next call invokes again.
	found, _, err = Exec(ctx, cfg, m, invoke)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 2, calls)
}

func TestExecCoalescesConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, WithoutPersistence())
	assert.NoError(t, err)
	defer m.Close()

	var invocations atomic.Int32
	invoke := func(ctx context.Context) (string, bool, error) {
		invocations.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "expensive", true, nil
	}

	cfg := ExecConfig{Namespace: "tool", Version: "v1", Key: "shared"}
	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			found, val, err := Exec(ctx, cfg, m, invoke)
			assert.NoError(t, err)
			assert.True(t, found)
			results[i] = val
		}(i)
	}
	wg.Wait()

	// The guard coalesced the stampede into a single invocation.
	assert.Equal(t, int32(1), invocations.Load())
	for _, r := range results {
		assert.Equal(t, "expensive", r)
	}
}

func TestExecTypedRoundTripThroughStore(t *testing.T) {
	type result struct {
		Output string
		Code   int
	}
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	m1, err := New(ctx, WithPath(path))
	assert.NoError(t, err)
	cfg := ExecConfig{Namespace: "run", Version: "v2", Key: "build"}
	found, val, err := Exec(ctx, cfg, m1, func(ctx context.Context) (result, bool, error) {
		return result{Output: "ok", Code: 0}, true, nil
	})
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "ok", val.Output)
	assert.NoError(t, m1.Close())

	// A fresh instance over the same file decodes the promoted bytes into
	// the caller's type without invoking.
	m2, err := New(ctx, WithPath(path))
	assert.NoError(t, err)
	defer m2.Close()

	found, val, err = Exec(ctx, cfg, m2, func(ctx context.Context) (result, bool, error) {
		t.Fatal("invoker must not run on a persistent hit")
		return result{}, false, nil
	})
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, result{Output: "ok", Code: 0}, val)
}

func TestGetAsDecodesEncoded(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, WithoutPersistence())
	assert.NoError(t, err)
	defer m.Close()

	data, err := msgpack.Marshal(map[string]string{"a": "b"})
	assert.NoError(t, err)
	assert.NoError(t, m.Set(ctx, "ns", "v", "k", Encoded(data), 0))

	ok, decoded, err := GetAs[map[string]string](ctx, m, "ns", "v", "k")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", decoded["a"])
}

func TestGetAsCorruptEncoded(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, WithoutPersistence())
	assert.NoError(t, err)
	defer m.Close()

	// 0xc1 is the one code msgpack never emits.
	assert.NoError(t, m.Set(ctx, "ns", "v", "bad", Encoded{0xc1}, 0))

	ok, _, err := GetAs[map[string]int](ctx, m, "ns", "v", "bad")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestGetAsTypeMismatch(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, WithoutPersistence())
	assert.NoError(t, err)
	defer m.Close()

	assert.NoError(t, m.Set(ctx, "ns", "v", "k", 42, 0))

	ok, _, err := GetAs[string](ctx, m, "ns", "v", "k")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "cannot convert")
}

func TestGetAsMiss(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, WithoutPersistence())
	assert.NoError(t, err)
	defer m.Close()

	ok, val, err := GetAs[string](ctx, m, "ns", "v", "absent")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, val)
}
