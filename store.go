// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stately

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Storage is a durable key-value store that locks a session slot for the
// duration of one request.
//
// Load acquires the exclusive lock of the slot and Store releases it. Every
// successful Load must be paired with exactly one Store for the same ID, even
// when there is nothing to persist.
type Storage interface {
	// Load locks the slot of the given session ID and returns the stored data.
	// It returns nil data if the slot does not exist yet, in which case the slot
	// is created (and locked) so that a subsequent Store is valid.
	Load(ctx context.Context, sid string) ([]byte, error)
	// Store writes data to the slot previously locked by Load and releases the
	// lock. Nothing is written if data equals what was loaded, and the slot is
	// deleted if data is empty. The lock is released even if the write fails.
	// The lifetime is a hint for backends with native expiry.
	Store(ctx context.Context, sid string, data []byte, lifetime time.Duration) error
	// GC deletes every slot whose last modification is at least lifetime old.
	// Slots that are currently locked are skipped.
	GC(ctx context.Context, lifetime time.Duration) error
}

// Initer takes arbitrary number of arguments needed for initialization and
// returns an initialized session storage.
type Initer func(ctx context.Context, args ...interface{}) (Storage, error)

var (
	// ErrNotLoaded is returned when Store is called without a prior Load for the
	// same session ID.
	ErrNotLoaded = errors.New("session slot is not loaded")
	// ErrLockTimeout is returned when the lock of a session slot could not be
	// acquired in time.
	ErrLockTimeout = errors.New("timed out acquiring session slot lock")
	// ErrLockLost is returned by lease-based backends when the lock expired and
	// was taken over by another request before Store.
	ErrLockLost = errors.New("session slot lock lost")
	// ErrCommitted is returned when a container is committed more than once.
	ErrCommitted = errors.New("session container already committed")
)

// DefaultLockTimeout is the default bound for waiting on a session slot lock.
const DefaultLockTimeout = 30 * time.Second

// WithLockTimeout returns a copy of ctx that is cancelled after given timeout.
// A non-positive timeout leaves ctx untouched and the returned cancel function
// is a no-op.
func WithLockTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
