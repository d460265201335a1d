package cache

import "sync"

// keyedGuard provides per-key mutual exclusion: at most one caller holds the
// guard for a given key at a time, and concurrent acquirers of the same key
// block until the holder releases. Distinct keys never contend. This is used
// to avoid duplicate concurrent computation of the same cache key, such as
// two goroutines issuing the same expensive upstream call simultaneously.
type keyedGuard struct {
	mu    sync.Mutex
	locks map[string]*guardLock
}

type guardLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedGuard() *keyedGuard {
	return &keyedGuard{locks: make(map[string]*guardLock)}
}

// Acquire blocks until the key's lock is free, then returns a release
// function. The release function is idempotent, so it is safe to both defer
// it and call it early. Callers must release on all exit paths; the intended
// shape is:
//
//	release := g.Acquire(key)
//	defer release()
func (g *keyedGuard) Acquire(key string) (release func()) {
	g.mu.Lock()
	l, ok := g.locks[key]
	if !ok {
		l = &guardLock{}
		g.locks[key] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			g.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(g.locks, key)
			}
			g.mu.Unlock()
		})
	}
}
