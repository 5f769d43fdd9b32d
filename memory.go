// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stately

import (
	"bytes"
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// memorySlot is the stored data of an in-memory session.
type memorySlot struct {
	sid     string    // The session ID
	data    []byte    // The session data
	modTime time.Time // The last time of the data being written

	index int // The index in the heap
}

var _ Storage = (*memoryStorage)(nil)

// memoryStorage is an in-memory implementation of the session storage.
type memoryStorage struct {
	nowFunc     func() time.Time // The function to return the current time
	lockTimeout time.Duration    // The bound of waiting for a session slot lock

	lock  sync.Mutex             // The mutex to guard accesses to the heap and index
	heap  []*memorySlot          // The heap to be managed by operations of heap.Interface
	index map[string]*memorySlot // The index to be managed by operations of heap.Interface

	locks SlotLocks[[]byte] // The held slots with the data returned by Load
}

// newMemoryStorage returns a new memory session storage based on given
// configuration.
func newMemoryStorage(cfg MemoryConfig) *memoryStorage {
	return &memoryStorage{
		nowFunc:     cfg.nowFunc,
		lockTimeout: cfg.LockTimeout,
		index:       make(map[string]*memorySlot),
	}
}

// Len implements `heap.Interface.Len`. It is not concurrent-safe and is the
// caller's responsibility to ensure they're being guarded by a mutex during any
// heap operation, i.e. heap.Fix, heap.Remove, heap.Push, heap.Pop.
func (s *memoryStorage) Len() int {
	return len(s.heap)
}

// Less implements `heap.Interface.Less`. It is not concurrent-safe and is the
// caller's responsibility to ensure they're being guarded by a mutex during any
// heap operation, i.e. heap.Fix, heap.Remove, heap.Push, heap.Pop.
func (s *memoryStorage) Less(i, j int) bool {
	return s.heap[i].modTime.Before(s.heap[j].modTime)
}

// Swap implements `heap.Interface.Swap`. It is not concurrent-safe and is the
// caller's responsibility to ensure they're being guarded by a mutex during any
// heap operation, i.e. heap.Fix, heap.Remove, heap.Push, heap.Pop.
func (s *memoryStorage) Swap(i, j int) {
	s.heap[i], s.heap[j] = s.heap[j], s.heap[i]
	s.heap[i].index = i
	s.heap[j].index = j
}

// Push implements `heap.Interface.Push`. It is not concurrent-safe and is the
// caller's responsibility to ensure they're being guarded by a mutex during any
// heap operation, i.e. heap.Fix, heap.Remove, heap.Push, heap.Pop.
func (s *memoryStorage) Push(x interface{}) {
	n := s.Len()
	slot := x.(*memorySlot)
	slot.index = n
	s.heap = append(s.heap, slot)
	s.index[slot.sid] = slot
}

// Pop implements `heap.Interface.Pop`. It is not concurrent-safe and is the
// caller's responsibility to ensure they're being guarded by a mutex during any
// heap operation, i.e. heap.Fix, heap.Remove, heap.Push, heap.Pop.
func (s *memoryStorage) Pop() interface{} {
	n := s.Len()
	slot := s.heap[n-1]

	s.heap[n-1] = nil // Avoid memory leak
	slot.index = -1   // For safety

	s.heap = s.heap[:n-1]
	delete(s.index, slot.sid)
	return slot
}

func (s *memoryStorage) Load(ctx context.Context, sid string) ([]byte, error) {
	if sid == "" {
		return nil, errors.New("empty session ID")
	}

	ctx, cancel := WithLockTimeout(ctx, s.lockTimeout)
	defer cancel()

	err := s.locks.Acquire(ctx, sid)
	if err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	var data []byte
	if slot, ok := s.index[sid]; ok {
		data = bytes.Clone(slot.data)
	}
	s.locks.Hold(sid, data)
	return data, nil
}

func (s *memoryStorage) Store(_ context.Context, sid string, data []byte, _ time.Duration) error {
	loaded, ok := s.locks.Value(sid)
	if !ok {
		return errors.Wrapf(ErrNotLoaded, "slot %q", sid)
	}
	defer func() { _, _ = s.locks.Release(sid) }()

	s.lock.Lock()
	defer s.lock.Unlock()

	slot, exists := s.index[sid]
	if len(data) == 0 {
		if exists {
			heap.Remove(s, slot.index)
		}
		return nil
	}

	if exists && bytes.Equal(data, loaded) {
		return nil
	}

	if !exists {
		slot = &memorySlot{sid: sid}
		slot.data = bytes.Clone(data)
		slot.modTime = s.nowFunc()
		heap.Push(s, slot)
		return nil
	}

	slot.data = bytes.Clone(data)
	slot.modTime = s.nowFunc()
	heap.Fix(s, slot.index)
	return nil
}

func (s *memoryStorage) GC(ctx context.Context, lifetime time.Duration) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	// Removing expired sessions from top of the heap until there is no more expired
	// sessions found. Held sessions are put back afterwards.
	var held []*memorySlot
	defer func() {
		for _, slot := range held {
			heap.Push(s, slot)
		}
	}()

	for s.Len() > 0 {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		slot := s.heap[0]

		// If the least recently written session is not expired, there is no need to
		// continue.
		if slot.modTime.Add(lifetime).After(s.nowFunc()) {
			return nil
		}

		heap.Remove(s, slot.index)
		if s.locks.Held(slot.sid) {
			held = append(held, slot)
		}
	}
	return nil
}

// MemoryConfig contains options for the memory session storage.
type MemoryConfig struct {
	nowFunc func() time.Time // For tests only

	// LockTimeout is the bound of waiting for the lock of a session slot. Default
	// is DefaultLockTimeout, a negative value waits until the context is done.
	LockTimeout time.Duration
}

// MemoryIniter returns the Initer for the memory session storage.
func MemoryIniter() Initer {
	return func(_ context.Context, args ...interface{}) (Storage, error) {
		var cfg *MemoryConfig
		for i := range args {
			switch v := args[i].(type) {
			case MemoryConfig:
				cfg = &v
			}
		}

		if cfg == nil {
			cfg = &MemoryConfig{}
		}

		if cfg.nowFunc == nil {
			cfg.nowFunc = time.Now
		}
		if cfg.LockTimeout == 0 {
			cfg.LockTimeout = DefaultLockTimeout
		}

		return newMemoryStorage(*cfg), nil
	}
}
