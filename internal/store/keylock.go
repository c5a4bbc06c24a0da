package store

import "sync"

// KeyLocks provides one reader/writer lock per key. Locks are created on
// demand and dropped once nobody holds or waits for them, so memory stays
// proportional to the number of keys in flight. Holding the lock for one
// key never blocks work on another key.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.RWMutex
	refs int
}

// NewKeyLocks returns an empty lock set.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[string]*keyLock)}
}

// Lock acquires the exclusive lock for key and returns its release func.
func (k *KeyLocks) Lock(key string) (unlock func()) {
	l := k.acquire(key)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.release(key, l)
	}
}

// RLock acquires the shared lock for key and returns its release func.
func (k *KeyLocks) RLock(key string) (unlock func()) {
	l := k.acquire(key)
	l.mu.RLock()
	return func() {
		l.mu.RUnlock()
		k.release(key, l)
	}
}

func (k *KeyLocks) acquire(key string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *KeyLocks) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// held reports how many keys currently have a live lock. Used by tests.
func (k *KeyLocks) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
