// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mongo

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flamego/stately"
)

// pollInterval is the interval between attempts to acquire a busy lease.
const pollInterval = 50 * time.Millisecond

var _ stately.Storage = (*mongoStorage)(nil)

// heldDocument is a session document leased by Load.
type heldDocument struct {
	token  string // The lease token written to the document
	loaded []byte // The data returned by Load
}

// mongoStorage is a MongoDB implementation of the session storage. The lock of
// a session is a lease kept in the lock_token and locked_until fields of its
// document, times are stored as Unix milliseconds.
type mongoStorage struct {
	nowFunc     func() time.Time  // The function to return the current time
	collection  *mongo.Collection // The database collection for storing session data
	lockTTL     time.Duration     // The duration before an abandoned lease expires
	lockTimeout time.Duration     // The bound of waiting for a lease

	locks stately.SlotLocks[*heldDocument]
}

// newMongoStorage returns a new MongoDB session storage based on given
// configuration.
func newMongoStorage(cfg Config) *mongoStorage {
	return &mongoStorage{
		nowFunc:     cfg.nowFunc,
		collection:  cfg.db.Collection(cfg.Collection),
		lockTTL:     cfg.LockTTL,
		lockTimeout: cfg.LockTimeout,
	}
}

// tryLock takes the lease of given session ID, inserting an empty document if
// none exists. It returns false if the lease is held by someone else, which
// surfaces as a duplicate key error of the upsert.
func (s *mongoStorage) tryLock(ctx context.Context, sid, token string) (bool, error) {
	now := s.nowFunc()
	_, err := s.collection.UpdateOne(ctx,
		bson.M{
			"key":          sid,
			"locked_until": bson.M{"$lte": now.UnixMilli()},
		},
		bson.M{
			"$set": bson.M{
				"lock_token":   token,
				"locked_until": now.Add(s.lockTTL).UnixMilli(),
			},
			"$setOnInsert": bson.M{
				"updated_at": now.UnixMilli(),
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "upsert lease")
	}
	return true, nil
}

// lock takes the lease of given session ID, polling until ctx is done.
func (s *mongoStorage) lock(ctx context.Context, sid, token string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := s.tryLock(ctx, sid, token)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrapf(stately.ErrLockTimeout, "document %q: %v", sid, ctx.Err())
			}
			return err
		} else if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrapf(stately.ErrLockTimeout, "document %q: %v", sid, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *mongoStorage) Load(ctx context.Context, sid string) ([]byte, error) {
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

// load leases the document of given session ID and reads its data.
func (s *mongoStorage) load(ctx context.Context, sid string) (*heldDocument, error) {
	token, err := stately.NewID()
	if err != nil {
		return nil, errors.Wrap(err, "new lease token")
	}

	err = s.lock(ctx, sid, token)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Data []byte `bson:"data"`
	}
	err = s.collection.FindOne(ctx, bson.M{"key": sid, "lock_token": token}).Decode(&doc)
	if err != nil {
		_ = s.release(context.Background(), sid, token)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errors.Wrapf(stately.ErrLockLost, "document %q", sid)
		}
		return nil, errors.Wrap(err, "find")
	}
	if len(doc.Data) == 0 {
		doc.Data = nil
	}
	return &heldDocument{token: token, loaded: doc.Data}, nil
}

// update runs the token-guarded update and reports ErrLockLost if no document
// has been matched.
func (s *mongoStorage) update(ctx context.Context, sid, token string, set bson.M) error {
	result, err := s.collection.UpdateOne(ctx, bson.M{"key": sid, "lock_token": token}, bson.M{"$set": set})
	if err != nil {
		return errors.Wrap(err, "update")
	} else if result.MatchedCount == 0 {
		return errors.Wrapf(stately.ErrLockLost, "document %q", sid)
	}
	return nil
}

// release drops the lease of given session ID without touching its data.
func (s *mongoStorage) release(ctx context.Context, sid, token string) error {
	return s.update(ctx, sid, token, bson.M{"lock_token": "", "locked_until": int64(0)})
}

func (s *mongoStorage) Store(ctx context.Context, sid string, data []byte, _ time.Duration) error {
	held, ok := s.locks.Value(sid)
	if !ok {
		return errors.Wrapf(stately.ErrNotLoaded, "slot %q", sid)
	}
	defer func() { _, _ = s.locks.Release(sid) }()

	// Release the lease even when the caller has gone away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.lockTTL)
	defer cancel()

	switch {
	case len(data) == 0:
		result, err := s.collection.DeleteOne(ctx, bson.M{"key": sid, "lock_token": held.token})
		if err != nil {
			return errors.Wrap(err, "delete")
		} else if result.DeletedCount == 0 {
			return errors.Wrapf(stately.ErrLockLost, "document %q", sid)
		}
		return nil
	case bytes.Equal(data, held.loaded):
		return s.release(ctx, sid, held.token)
	}

	return s.update(ctx, sid, held.token, bson.M{
		"data":         data,
		"updated_at":   s.nowFunc().UnixMilli(),
		"lock_token":   "",
		"locked_until": int64(0),
	})
}

func (s *mongoStorage) GC(ctx context.Context, lifetime time.Duration) error {
	now := s.nowFunc()
	_, err := s.collection.DeleteMany(ctx, bson.M{
		"updated_at":   bson.M{"$lte": now.Add(-lifetime).UnixMilli()},
		"locked_until": bson.M{"$lte": now.UnixMilli()},
	})
	if err != nil {
		return errors.Wrap(err, "delete")
	}
	return nil
}

// Options keeps the settings to set up MongoDB client connection.
type Options = options.ClientOptions

// Config contains options for the MongoDB session storage.
type Config struct {
	// For tests only
	nowFunc func() time.Time
	db      *mongo.Database

	// Options is the settings to set up MongoDB client connection.
	Options *Options
	// Database is the database name to the MongoDB.
	Database string
	// Collection is the collection name for storing session data. Default is
	// "sessions".
	Collection string
	// LockTTL is the duration before the lease of a session expires when it is
	// never released. Default is 60 seconds.
	LockTTL time.Duration
	// LockTimeout is the bound of waiting for the lease of a session. Default is
	// stately.DefaultLockTimeout, a negative value waits until the context is
	// done.
	LockTimeout time.Duration
}

// Initer returns the stately.Initer for the MongoDB session storage.
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
		} else if cfg.Database == "" && cfg.db == nil {
			return nil, errors.New("empty Database")
		}

		if cfg.db == nil {
			client, err := mongo.Connect(ctx, cfg.Options)
			if err != nil {
				return nil, errors.Wrap(err, "open database")
			}
			cfg.db = client.Database(cfg.Database)
		}

		if cfg.nowFunc == nil {
			cfg.nowFunc = time.Now
		}
		if cfg.Collection == "" {
			cfg.Collection = "sessions"
		}
		if cfg.LockTTL <= 0 {
			cfg.LockTTL = 60 * time.Second
		}
		if cfg.LockTimeout == 0 {
			cfg.LockTimeout = stately.DefaultLockTimeout
		}

		// The lease relies on the unique index to reject upserts of a held key.
		_, err := cfg.db.Collection(cfg.Collection).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return nil, errors.Wrap(err, "create index")
		}

		return newMongoStorage(*cfg), nil
	}
}
