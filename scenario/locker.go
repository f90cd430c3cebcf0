package scenario

import (
	"sync"

	"github.com/goliatone/go-mockstate/store"
)

// keyLocker serializes work per resource key. Entries are reference counted
// and dropped once no goroutine holds or waits for them.
type keyLocker struct {
	mu    sync.Mutex
	locks map[store.Key]*keyLockRef
}

type keyLockRef struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[store.Key]*keyLockRef)}
}

// Lock blocks until key is free and returns its unlock func.
func (l *keyLocker) Lock(key store.Key) func() {
	if l == nil || !key.Valid() {
		return func() {}
	}
	l.mu.Lock()
	ref, ok := l.locks[key]
	if !ok || ref == nil {
		ref = &keyLockRef{}
		l.locks[key] = ref
	}
	ref.refs++
	l.mu.Unlock()

	ref.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			ref.mu.Unlock()
			l.mu.Lock()
			ref.refs--
			if ref.refs <= 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

func (l *keyLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
