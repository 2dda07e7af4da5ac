package storage

import (
	"context"
	"sync"
)

// KeyLock hands out one exclusive lock per SeriesKey. Waiting honors context
// cancellation, and entries are dropped once nobody holds or waits on them.
type KeyLock struct {
	mu    sync.Mutex
	locks map[SeriesKey]*keyEntry
}

type keyEntry struct {
	ch   chan struct{} // buffered(1); holding the token means holding the lock
	refs int
}

// NewKeyLock returns an empty lock table.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[SeriesKey]*keyEntry)}
}

// Lock blocks until key is free or ctx is done. On success the returned
// function releases the lock; it must be called exactly once.
func (l *KeyLock) Lock(ctx context.Context, key SeriesKey) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				l.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}
}

func (l *KeyLock) release(key SeriesKey, e *keyEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (l *KeyLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
