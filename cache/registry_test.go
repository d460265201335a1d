package cache

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func registrySize() int {
	registryMu.Lock()
	defer registryMu.Unlock()
	return len(registry)
}

func TestCloseUnregisters(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, WithoutPersistence())
	assert.NoError(t, err)

	registryMu.Lock()
	_, registered := registry[m.slot]
	registryMu.Unlock()
	assert.True(t, registered)

	assert.NoError(t, m.Close())

	registryMu.Lock()
	_, registered = registry[m.slot]
	registryMu.Unlock()
	assert.False(t, registered)
}

func TestCloseAllClosesLiveManagers(t *testing.T) {
	ctx := context.Background()
	s1, s2 := newFakeStore(), newFakeStore()
	m1, err := New(ctx, WithStore(s1))
	assert.NoError(t, err)
	m2, err := New(ctx, WithStore(s2))
	assert.NoError(t, err)

	CloseAll()

	assert.True(t, s1.isClosed())
	assert.True(t, s2.isClosed())

	// CloseAll goes through Close, which unregisters.
	registryMu.Lock()
	_, ok1 := registry[m1.slot]
	_, ok2 := registry[m2.slot]
	registryMu.Unlock()
	assert.False(t, ok1)
	assert.False(t, ok2)
}

type panicStore struct{ *fakeStore }

func (s *panicStore) Close() error { panic("close exploded") }

func TestCloseAllSurvivesPanickingClose(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, WithStore(&panicStore{newFakeStore()}))
	assert.NoError(t, err)
	good := newFakeStore()
	_, err = New(ctx, WithStore(good))
	assert.NoError(t, err)

	assert.NotPanics(t, func() { CloseAll() })
	assert.True(t, good.isClosed())
}

func TestCleanupClosesLeakedManager(t *testing.T) {
	store := newFakeStore()
	func() {
		m, err := New(context.Background(), WithStore(store))
		assert.NoError(t, err)
		assert.NoError(t, m.Set(context.Background(), "ns", "v", "k", 1, 0))
		m.Flush()
	}() // goes out of scope without Close

	// The cleanup attached at construction releases the store once the
	// collector notices the Manager is unreachable.
	deadline := time.Now().Add(2 * time.Second)
	for !store.isClosed() && time.Now().Before(deadline) {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, store.isClosed())

	// The dead registration is pruned on the next sweep.
	before := registrySize()
	CloseAll()
	assert.Less(t, registrySize(), before)
}
