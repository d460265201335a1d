package cache

import (
	"sync"
	"weak"
)

// The registry tracks every live Manager through weak pointers so CloseAll
// can reach them at process shutdown without keeping abandoned managers
// alive. Close unregisters; managers collected without a Close simply leave
// a dead pointer behind, which is pruned on the next CloseAll.
var (
	registryMu  sync.Mutex
	registrySeq uint64
	registry    = make(map[uint64]weak.Pointer[Manager])
)

func registerManager(m *Manager) uint64 {
	registryMu.Lock()
	defer registryMu.Unlock()
	registrySeq++
	registry[registrySeq] = weak.Make(m)
	return registrySeq
}

func unregisterManager(slot uint64) {
	registryMu.Lock()
	delete(registry, slot)
	registryMu.Unlock()
}

// CloseAll closes every live Manager, suppressing per-Manager panics so one
// failing close cannot keep the rest from closing. Intended for process
// shutdown paths; explicit Close remains the primary contract.
func CloseAll() {
	registryMu.Lock()
	live := make([]*Manager, 0, len(registry))
	for slot, ptr := range registry {
		if m := ptr.Value(); m != nil {
			live = append(live, m)
		} else {
			delete(registry, slot)
		}
	}
	registryMu.Unlock()

	for _, m := range live {
		closeQuietly(m)
	}
}

func closeQuietly(m *Manager) {
	defer func() { _ = recover() }()
	_ = m.Close()
}
