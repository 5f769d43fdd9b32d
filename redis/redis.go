// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package redis

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/flamego/stately"
)

// pollInterval is the interval between attempts to acquire a busy lock.
const pollInterval = 50 * time.Millisecond

// storeScript writes or deletes the session data and releases the lock, but
// only if the lock is still held with the given token.
var storeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if ARGV[2] == "set" then
	redis.call("SET", KEYS[2], ARGV[3], "PX", ARGV[4])
elseif ARGV[2] == "del" then
	redis.call("DEL", KEYS[2])
end
redis.call("DEL", KEYS[1])
return 1
`)

var _ stately.Storage = (*redisStorage)(nil)

// heldSlot is a session slot locked by Load.
type heldSlot struct {
	token  string // The random value of the lock key
	loaded []byte // The data returned by Load
}

// redisStorage is a Redis implementation of the session storage. Session data
// expires natively after the lifetime given to Store.
type redisStorage struct {
	client      *redis.Client // The client connection
	keyPrefix   string        // The prefix to use for keys
	lockTTL     time.Duration // The duration before an abandoned lock expires
	lockTimeout time.Duration // The bound of waiting for a lock

	locks stately.SlotLocks[*heldSlot]
}

// newRedisStorage returns a new Redis session storage based on given
// configuration.
func newRedisStorage(cfg Config) *redisStorage {
	return &redisStorage{
		client:      cfg.Client,
		keyPrefix:   cfg.KeyPrefix,
		lockTTL:     cfg.LockTTL,
		lockTimeout: cfg.LockTimeout,
	}
}

func (s *redisStorage) key(sid string) string {
	return s.keyPrefix + sid
}

func (s *redisStorage) lockKey(sid string) string {
	return s.keyPrefix + "lock:" + sid
}

// lock acquires the lock of given session ID using SET NX PX, polling until
// ctx is done.
func (s *redisStorage) lock(ctx context.Context, sid, token string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := s.client.SetNX(ctx, s.lockKey(sid), token, s.lockTTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrapf(stately.ErrLockTimeout, "key %q: %v", s.lockKey(sid), ctx.Err())
			}
			return errors.Wrap(err, "set lock")
		} else if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrapf(stately.ErrLockTimeout, "key %q: %v", s.lockKey(sid), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *redisStorage) Load(ctx context.Context, sid string) ([]byte, error) {
	if sid == "" {
		return nil, errors.New("empty session ID")
	}

	ctx, cancel := stately.WithLockTimeout(ctx, s.lockTimeout)
	defer cancel()

	err := s.locks.Acquire(ctx, sid)
	if err != nil {
		return nil, err
	}

	held, err := s.load(ctx, sid)
	if err != nil {
		_, _ = s.locks.Release(sid)
		return nil, err
	}
	s.locks.Hold(sid, held)
	return held.loaded, nil
}

// load locks the slot in Redis and reads its data.
func (s *redisStorage) load(ctx context.Context, sid string) (*heldSlot, error) {
	token, err := stately.NewID()
	if err != nil {
		return nil, errors.Wrap(err, "new lock token")
	}

	err = s.lock(ctx, sid, token)
	if err != nil {
		return nil, err
	}

	binary, err := s.client.Get(ctx, s.key(sid)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		_ = storeScript.Run(context.Background(), s.client, []string{s.lockKey(sid), s.key(sid)}, token, "keep").Err()
		return nil, errors.Wrap(err, "get")
	}
	return &heldSlot{token: token, loaded: binary}, nil
}

func (s *redisStorage) Store(ctx context.Context, sid string, data []byte, lifetime time.Duration) error {
	held, ok := s.locks.Value(sid)
	if !ok {
		return errors.Wrapf(stately.ErrNotLoaded, "slot %q", sid)
	}
	defer func() { _, _ = s.locks.Release(sid) }()

	// Release the lease even when the caller has gone away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.lockTTL)
	defer cancel()

	mode := "set"
	switch {
	case len(data) == 0, lifetime <= 0:
		mode = "del"
	case bytes.Equal(data, held.loaded):
		mode = "keep"
	}

	ok, err := storeScript.Run(ctx, s.client,
		[]string{s.lockKey(sid), s.key(sid)},
		held.token, mode, data, strconv.FormatInt(lifetime.Milliseconds(), 10),
	).Bool()
	if err != nil {
		return errors.Wrap(err, "store")
	} else if !ok {
		return errors.Wrapf(stately.ErrLockLost, "key %q", s.lockKey(sid))
	}
	return nil
}

// GC does nothing, expired sessions are removed by Redis.
func (s *redisStorage) GC(context.Context, time.Duration) error {
	return nil
}

// Options keeps the settings to set up Redis client connection.
type Options = redis.Options

// Config contains options for the Redis session storage.
type Config struct {
	// Client is the Redis Client connection. If not set, a new client will be
	// created based on Options.
	Client *redis.Client
	// Options is the settings to set up Redis client connection.
	Options *Options
	// KeyPrefix is the prefix to use for keys in Redis. Default is "stately:".
	KeyPrefix string
	// LockTTL is the duration before the lock of a session expires when it is
	// never released, e.g. after a crash. Default is 60 seconds.
	LockTTL time.Duration
	// LockTimeout is the bound of waiting for the lock of a session. Default is
	// stately.DefaultLockTimeout, a negative value waits until the context is
	// done.
	LockTimeout time.Duration
}

// Initer returns the stately.Initer for the Redis session storage.
func Initer() stately.Initer {
	return func(ctx context.Context, args ...interface{}) (stately.Storage, error) {
		var cfg *Config
		for i := range args {
			switch v := args[i].(type) {
			case Config:
				cfg = &v
			}
		}

		if cfg == nil {
			return nil, fmt.Errorf("config object with the type '%T' not found", Config{})
		} else if cfg.Options == nil && cfg.Client == nil {
			return nil, errors.New("empty Options")
		}

		if cfg.Client == nil {
			cfg.Client = redis.NewClient(cfg.Options)
		}
		if cfg.KeyPrefix == "" {
			cfg.KeyPrefix = "stately:"
		}
		if cfg.LockTTL <= 0 {
			cfg.LockTTL = 60 * time.Second
		}
		if cfg.LockTimeout == 0 {
			cfg.LockTimeout = stately.DefaultLockTimeout
		}

		return newRedisStorage(*cfg), nil
	}
}
