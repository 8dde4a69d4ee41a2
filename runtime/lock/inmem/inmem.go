// Package inmem provides an in-memory lock.Locker for tests and
// single-process use.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/syncdiag/runtime/lock"
)

type (
	// Locker implements lock.Locker in memory.
	Locker struct {
		now func() time.Time

		mu    sync.Mutex
		locks map[string]*held
	}

	held struct {
		owner     string
		remaining int
		expiresAt time.Time
	}
)

// New returns a Locker. A nil now uses time.Now.
func New(now func() time.Time) *Locker {
	if now == nil {
		now = time.Now
	}
	return &Locker{now: now, locks: make(map[string]*held)}
}

// Lock implements lock.Locker.
func (l *Locker) Lock(_ context.Context, key string, ttl time.Duration, owner string, count int) (bool, error) {
	if err := lock.ValidateArgs(key, ttl, owner, count); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if h := l.liveLocked(key); h != nil && h.owner != owner {
		return false, nil
	}
	l.locks[key] = &held{owner: owner, remaining: count, expiresAt: l.now().Add(ttl)}
	return true, nil
}

// Unlock implements lock.Locker.
func (l *Locker) Unlock(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.liveLocked(key)
	if h == nil || h.owner != owner {
		return nil
	}
	h.remaining--
	if h.remaining <= 0 {
		delete(l.locks, key)
	}
	return nil
}

// IsLocked implements lock.Locker.
func (l *Locker) IsLocked(_ context.Context, key, exceptOwner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.liveLocked(key)
	return h != nil && (exceptOwner == "" || h.owner != exceptOwner), nil
}

func (l *Locker) liveLocked(key string) *held {
	h, ok := l.locks[key]
	if !ok {
		return nil
	}
	if !l.now().Before(h.expiresAt) {
		delete(l.locks, key)
		return nil
	}
	return h
}
