package engine

import "sync"

// keyLock serializes work per key. Entries are reference counted so the
// table does not grow with the id space.
type keyLock struct {
	mu   sync.Mutex
	held map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{held: make(map[string]*lockEntry)}
}

// Lock blocks until the key is exclusively held and returns the
// release function.
func (k *keyLock) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e := k.held[key]
	if e == nil {
		e = &lockEntry{}
		k.held[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}
