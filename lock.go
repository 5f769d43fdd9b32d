// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stately

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// slotLock is the in-process lock of a single session slot.
type slotLock[T any] struct {
	sem  chan struct{} // The semaphore with capacity of one
	refs int           // The number of holders and waiters
	held bool          // Whether the slot is currently held
	val  T             // The value attached by the holder
}

// SlotLocks serializes access to session slots within the process, keyed by
// session ID. Each held slot carries a value of type T (e.g. an open file)
// that lives until the slot is released. The zero value is ready to use.
//
// Storage backends acquire the in-process lock before their own
// cross-process lock, so concurrent requests for the same session are
// serialized even when the backend lock is per process (flock) or polled
// (leases).
type SlotLocks[T any] struct {
	lock  sync.Mutex // The mutex to guard accesses to slots
	slots map[string]*slotLock[T]
}

// Acquire waits until the slot of given session ID is exclusively owned by
// the caller. It returns ErrLockTimeout if ctx is done before that.
func (l *SlotLocks[T]) Acquire(ctx context.Context, sid string) error {
	l.lock.Lock()
	if l.slots == nil {
		l.slots = make(map[string]*slotLock[T])
	}
	s, ok := l.slots[sid]
	if !ok {
		s = &slotLock[T]{sem: make(chan struct{}, 1)}
		l.slots[sid] = s
	}
	s.refs++
	l.lock.Unlock()

	select {
	case s.sem <- struct{}{}:
		l.lock.Lock()
		s.held = true
		l.lock.Unlock()
		return nil
	case <-ctx.Done():
		l.lock.Lock()
		l.unref(sid, s)
		l.lock.Unlock()
		return errors.Wrapf(ErrLockTimeout, "slot %q: %v", sid, ctx.Err())
	}
}

// unref drops one reference of the slot and forgets it once unused. It must be
// called with l.lock held.
func (l *SlotLocks[T]) unref(sid string, s *slotLock[T]) {
	s.refs--
	if s.refs == 0 {
		delete(l.slots, sid)
	}
}

// Hold attaches val to the held slot of given session ID. It does nothing if
// the slot is not held.
func (l *SlotLocks[T]) Hold(sid string, val T) {
	l.lock.Lock()
	defer l.lock.Unlock()

	s, ok := l.slots[sid]
	if !ok || !s.held {
		return
	}
	s.val = val
}

// Value returns the value attached to the held slot of given session ID.
func (l *SlotLocks[T]) Value(sid string) (val T, ok bool) {
	l.lock.Lock()
	defer l.lock.Unlock()

	s, ok := l.slots[sid]
	if !ok || !s.held {
		return val, false
	}
	return s.val, true
}

// Held returns true if the slot of given session ID is currently held.
func (l *SlotLocks[T]) Held(sid string) bool {
	l.lock.Lock()
	defer l.lock.Unlock()

	s, ok := l.slots[sid]
	return ok && s.held
}

// Release releases the slot of given session ID and returns the value that was
// attached to it. It returns ErrNotLoaded if the slot is not held.
func (l *SlotLocks[T]) Release(sid string) (val T, err error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	s, ok := l.slots[sid]
	if !ok || !s.held {
		return val, errors.Wrapf(ErrNotLoaded, "slot %q", sid)
	}

	val = s.val
	var zero T
	s.val = zero
	s.held = false
	<-s.sem
	l.unref(sid, s)
	return val, nil
}
