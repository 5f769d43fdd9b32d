// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	"github.com/flamego/stately"
)

// pollInterval is the interval between attempts to acquire a busy lease.
const pollInterval = 50 * time.Millisecond

var _ stately.Storage = (*postgresStorage)(nil)

// heldRow is a session row leased by Load.
type heldRow struct {
	token  string // The lease token written to the row
	loaded []byte // The data returned by Load
}

// postgresStorage is a Postgres implementation of the session storage. Same as
// the SQLite one, the lock of a session is a lease kept in the lock_token and
// locked_until columns of its row.
type postgresStorage struct {
	nowFunc     func() time.Time // The function to return the current time
	db          *sql.DB          // The database connection
	table       string           // The database table for storing session data
	lockTTL     time.Duration    // The duration before an abandoned lease expires
	lockTimeout time.Duration    // The bound of waiting for a lease

	locks stately.SlotLocks[*heldRow]
}

// newPostgresStorage returns a new Postgres session storage based on given
// configuration.
func newPostgresStorage(cfg Config) *postgresStorage {
	return &postgresStorage{
		nowFunc:     cfg.nowFunc,
		db:          cfg.db,
		table:       cfg.Table,
		lockTTL:     cfg.LockTTL,
		lockTimeout: cfg.LockTimeout,
	}
}

// tryLock takes the lease of given session ID, inserting an empty row if none
// exists. It returns false if the lease is held by someone else.
func (s *postgresStorage) tryLock(ctx context.Context, sid, token string) (bool, error) {
	now := s.nowFunc()
	q := fmt.Sprintf(`
INSERT INTO %[1]q (key, data, updated_at, lock_token, locked_until)
VALUES ($1, NULL, $2, $3, $4)
ON CONFLICT (key)
DO UPDATE SET
	lock_token   = excluded.lock_token,
	locked_until = excluded.locked_until
WHERE %[1]q.locked_until <= $2
`, s.table)
	result, err := s.db.ExecContext(ctx, q, sid, now.UnixMilli(), token, now.Add(s.lockTTL).UnixMilli())
	if err != nil {
		return false, errors.Wrap(err, "upsert lease")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

// lock takes the lease of given session ID, polling until ctx is done.
func (s *postgresStorage) lock(ctx context.Context, sid, token string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := s.tryLock(ctx, sid, token)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrapf(stately.ErrLockTimeout, "row %q: %v", sid, ctx.Err())
			}
			return err
		} else if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrapf(stately.ErrLockTimeout, "row %q: %v", sid, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *postgresStorage) Load(ctx context.Context, sid string) ([]byte, error) {
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

// load leases the row of given session ID and reads its data.
func (s *postgresStorage) load(ctx context.Context, sid string) (*heldRow, error) {
	token, err := stately.NewID()
	if err != nil {
		return nil, errors.Wrap(err, "new lease token")
	}

	err = s.lock(ctx, sid, token)
	if err != nil {
		return nil, err
	}

	var binary []byte
	q := fmt.Sprintf(`SELECT data FROM %q WHERE key = $1 AND lock_token = $2`, s.table)
	err = s.db.QueryRowContext(ctx, q, sid, token).Scan(&binary)
	if err != nil {
		_ = s.release(context.Background(), sid, token)
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(stately.ErrLockLost, "row %q", sid)
		}
		return nil, errors.Wrap(err, "select")
	}
	if len(binary) == 0 {
		binary = nil
	}
	return &heldRow{token: token, loaded: binary}, nil
}

// release drops the lease of given session ID without touching its data.
func (s *postgresStorage) release(ctx context.Context, sid, token string) error {
	q := fmt.Sprintf(`UPDATE %q SET lock_token = '', locked_until = 0 WHERE key = $1 AND lock_token = $2`, s.table)
	return s.exec(ctx, q, sid, sid, token)
}

// exec runs the token-guarded query and reports ErrLockLost if no row has been
// affected.
func (s *postgresStorage) exec(ctx context.Context, q, sid string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	} else if n == 0 {
		return errors.Wrapf(stately.ErrLockLost, "row %q", sid)
	}
	return nil
}

func (s *postgresStorage) Store(ctx context.Context, sid string, data []byte, _ time.Duration) error {
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
		q := fmt.Sprintf(`DELETE FROM %q WHERE key = $1 AND lock_token = $2`, s.table)
		return s.exec(ctx, q, sid, sid, held.token)
	case bytes.Equal(data, held.loaded):
		return s.release(ctx, sid, held.token)
	}

	q := fmt.Sprintf(`
UPDATE %q SET
	data         = $1,
	updated_at   = $2,
	lock_token   = '',
	locked_until = 0
WHERE key = $3 AND lock_token = $4
`, s.table)
	return s.exec(ctx, q, sid, data, s.nowFunc().UnixMilli(), sid, held.token)
}

func (s *postgresStorage) GC(ctx context.Context, lifetime time.Duration) error {
	now := s.nowFunc()
	q := fmt.Sprintf(`DELETE FROM %q WHERE updated_at <= $1 AND locked_until <= $2`, s.table)
	_, err := s.db.ExecContext(ctx, q, now.Add(-lifetime).UnixMilli(), now.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "delete")
	}
	return nil
}

// Config contains options for the Postgres session storage.
type Config struct {
	// For tests only
	nowFunc func() time.Time
	db      *sql.DB

	// DSN is the database source name to the Postgres.
	DSN string
	// Table is the table name for storing session data. Default is "sessions".
	Table string
	// InitTable indicates whether to create the session table when not exists
	// automatically.
	InitTable bool
	// LockTTL is the duration before the lease of a session expires when it is
	// never released. Default is 60 seconds.
	LockTTL time.Duration
	// LockTimeout is the bound of waiting for the lease of a session. Default is
	// stately.DefaultLockTimeout, a negative value waits until the context is
	// done.
	LockTimeout time.Duration
}

func openDB(dsn string) (*sql.DB, error) {
	config, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return stdlib.OpenDB(*config), nil
}

// Initer returns the stately.Initer for the Postgres session storage.
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
		} else if cfg.DSN == "" && cfg.db == nil {
			return nil, errors.New("empty DSN")
		}

		if cfg.db == nil {
			db, err := openDB(cfg.DSN)
			if err != nil {
				return nil, errors.Wrap(err, "open database")
			}
			cfg.db = db
		}
		if cfg.Table == "" {
			cfg.Table = "sessions"
		}

		if cfg.InitTable {
			q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %q (
	key          TEXT PRIMARY KEY,
	data         BYTEA,
	updated_at   BIGINT NOT NULL,
	lock_token   TEXT NOT NULL DEFAULT '',
	locked_until BIGINT NOT NULL DEFAULT 0
)`, cfg.Table)
			_, err := cfg.db.ExecContext(ctx, q)
			if err != nil {
				return nil, errors.Wrap(err, "create table")
			}
		}

		if cfg.nowFunc == nil {
			cfg.nowFunc = time.Now
		}
		if cfg.LockTTL <= 0 {
			cfg.LockTTL = 60 * time.Second
		}
		if cfg.LockTimeout == 0 {
			cfg.LockTimeout = stately.DefaultLockTimeout
		}

		return newPostgresStorage(*cfg), nil
	}
}
