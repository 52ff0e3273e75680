// Package keylock provides mutual exclusion scoped to a single inventory key
// (a SKU, or a sku/serial pair). Two operations on the same key are
// serialized; operations on distinct keys never contend. Acquisition is
// bounded: callers either wait up to their context deadline or fail fast,
// so contention surfaces as an error instead of a stall.
package keylock

import (
	"context"
	"errors"
	"sync"
)

// ErrContended is returned when a lock could not be acquired within the
// caller's budget. It is retryable by the caller; the guard never retries
// internally.
var ErrContended = errors.New("key is locked by another operation")

type entry struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

// Guard maps inventory keys to locks. Entries are created on first use and
// removed once no goroutine holds or waits on them, so the map does not grow
// with the key space.
type Guard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewGuard() *Guard {
	return &Guard{entries: make(map[string]*entry)}
}

// Acquire blocks until the key's lock is held or ctx is done. The returned
// release function must be called exactly once.
func (g *Guard) Acquire(ctx context.Context, key string) (release func(), err error) {
	e := g.ref(key)
	select {
	case e.ch <- struct{}{}:
		return func() { g.unlock(key, e) }, nil
	case <-ctx.Done():
		g.unref(key, e)
		return nil, errors.Join(ErrContended, ctx.Err())
	}
}

// TryAcquire acquires the key's lock only if it is free right now.
func (g *Guard) TryAcquire(key string) (release func(), err error) {
	e := g.ref(key)
	select {
	case e.ch <- struct{}{}:
		return func() { g.unlock(key, e) }, nil
	default:
		g.unref(key, e)
		return nil, ErrContended
	}
}

// Do runs fn while holding the key's lock.
func (g *Guard) Do(ctx context.Context, key string, fn func() error) error {
	release, err := g.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (g *Guard) ref(key string) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		g.entries[key] = e
	}
	e.refs++
	return e
}

func (g *Guard) unlock(key string, e *entry) {
	<-e.ch
	g.unref(key, e)
}

func (g *Guard) unref(key string, e *entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(g.entries, key)
	}
}
