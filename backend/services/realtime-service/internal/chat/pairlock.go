package chat

import "sync"

// pairLocks serializes work per key. Entries are dropped once unused.
type pairLocks struct {
	mu sync.Mutex
	m  map[string]*pairLock
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

func newPairLocks() *pairLocks {
	return &pairLocks{m: make(map[string]*pairLock)}
}

func (l *pairLocks) lock(key string) (unlock func()) {
	l.mu.Lock()
	pl, ok := l.m[key]
	if !ok {
		pl = &pairLock{}
		l.m[key] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}

func (l *pairLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
