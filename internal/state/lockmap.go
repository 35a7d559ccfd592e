package state

import (
	"context"
	"sync"
)

type holderLock struct {
	holders int
	ch      chan struct{}
}

// lockmap hands out one exclusive lock per key. Entries live only while held
// or awaited.
type lockmap[K comparable] struct {
	l sync.Mutex
	m map[K]*holderLock
}

func newLockmap[K comparable]() *lockmap[K] {
	return &lockmap[K]{m: make(map[K]*holderLock)}
}

// Lock acquires key, or fails when ctx is done first.
func (l *lockmap[K]) Lock(ctx context.Context, key K) error {
	l.l.Lock()
	hl, ok := l.m[key]
	if !ok {
		hl = &holderLock{ch: make(chan struct{}, 1)}
		l.m[key] = hl
	}
	hl.holders++
	l.l.Unlock()

	select {
	case hl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(key, hl)
		return ctx.Err()
	}
}

// Unlock releases key.
func (l *lockmap[K]) Unlock(key K) {
	l.l.Lock()
	hl := l.m[key]
	l.l.Unlock()
	<-hl.ch
	l.release(key, hl)
}

func (l *lockmap[K]) release(key K, hl *holderLock) {
	l.l.Lock()
	defer l.l.Unlock()
	hl.holders--
	if hl.holders == 0 {
		delete(l.m, key)
	}
}

// Locks returns the number of keys held or awaited.
func (l *lockmap[K]) Locks() int {
	l.l.Lock()
	defer l.l.Unlock()
	return len(l.m)
}
