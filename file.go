// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stately

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// FileExt is the file extension of session files.
const FileExt = ".session.txt"

// lockPollInterval is the interval between attempts to lock a busy file.
const lockPollInterval = 20 * time.Millisecond

var _ Storage = (*fileStorage)(nil)

// openFile is a session file locked by Load.
type openFile struct {
	file   *os.File // The open and locked session file
	loaded []byte   // The data read from the file
}

// fileStorage is a file implementation of the session storage.
type fileStorage struct {
	nowFunc     func() time.Time // The function to return the current time
	rootDir     string           // The root directory of session files
	pathLevels  int              // The number of subdirectory levels
	fileMode    os.FileMode      // The permission bits of new session files
	dirMode     os.FileMode      // The permission bits of new subdirectories
	lockTimeout time.Duration    // The bound of waiting for a session file lock
	logger      *log.Logger      // The logger for lock failures

	locks SlotLocks[*openFile] // The session files held by this process
}

// newFileStorage returns a new file session storage based on given
// configuration.
func newFileStorage(cfg FileConfig) *fileStorage {
	return &fileStorage{
		nowFunc:     cfg.nowFunc,
		rootDir:     cfg.RootDir,
		pathLevels:  cfg.PathLevels,
		fileMode:    cfg.FileMode,
		dirMode:     cfg.DirMode,
		lockTimeout: cfg.LockTimeout,
		logger:      cfg.Logger,
	}
}

// sanitizeID replaces every character of given session ID that is not a
// letter, digit, underscore or hyphen with an underscore.
func sanitizeID(sid string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case 'a' <= r && r <= 'z',
			'A' <= r && r <= 'Z',
			'0' <= r && r <= '9',
			r == '_', r == '-':
			return r
		}
		return '_'
	}, sid)
}

// filename returns the computed file name with given sid, nested in up to
// pathLevels single-character subdirectories taken from the sid.
func (s *fileStorage) filename(sid string) string {
	name := sanitizeID(sid)
	elems := []string{s.rootDir}
	for i := 0; i < s.pathLevels && i < len(name); i++ {
		elems = append(elems, name[i:i+1])
	}
	return filepath.Join(append(elems, name+FileExt)...)
}

// isSameFile returns true if the open file is still the one at given path.
func isSameFile(f *os.File, path string) (bool, error) {
	fi, err := f.Stat()
	if err != nil {
		return false, errors.Wrap(err, "stat open file")
	}
	pi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "stat file")
	}
	return os.SameFile(fi, pi), nil
}

// lockFile acquires the exclusive lock of the file, polling until ctx is done.
func lockFile(ctx context.Context, f *os.File) error {
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		ok, err := tryLockFile(f)
		if err != nil {
			return err
		} else if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrapf(ErrLockTimeout, "file %q: %v", f.Name(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *fileStorage) Load(ctx context.Context, sid string) ([]byte, error) {
	if sid == "" {
		return nil, errors.New("empty session ID")
	}

	ctx, cancel := WithLockTimeout(ctx, s.lockTimeout)
	defer cancel()

	err := s.locks.Acquire(ctx, sid)
	if err != nil {
		return nil, err
	}

	of, err := s.open(ctx, s.filename(sid))
	if err != nil {
		_, _ = s.locks.Release(sid)
		return nil, err
	}
	s.locks.Hold(sid, of)

	if len(of.loaded) == 0 {
		return nil, nil
	}
	return of.loaded, nil
}

// open opens, locks and reads the session file at given path, creating it if
// it does not exist.
func (s *fileStorage) open(ctx context.Context, filename string) (*openFile, error) {
	for {
		err := os.MkdirAll(filepath.Dir(filename), s.dirMode)
		if err != nil {
			return nil, errors.Wrap(err, "create parent directory")
		}

		f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_EXCL, s.fileMode)
		if err == nil {
			// The mode given to OpenFile is subject to umask.
			err = f.Chmod(s.fileMode)
			if err != nil {
				_ = f.Close()
				return nil, errors.Wrap(err, "change file mode")
			}
		} else if os.IsExist(err) {
			f, err = os.OpenFile(filename, os.O_RDWR, 0)
			if os.IsNotExist(err) {
				continue // Collected in between
			} else if err != nil {
				return nil, errors.Wrap(err, "open file")
			}
		} else {
			return nil, errors.Wrap(err, "create file")
		}

		err = lockFile(ctx, f)
		if err != nil {
			if errors.Is(err, ErrLockTimeout) {
				_ = f.Close()
				return nil, err
			}
			s.logger.Warn("Unable to acquire session file lock", "path", filename, "err", err)
		}

		same, err := isSameFile(f, filename)
		if err != nil || !same {
			_ = unlockFile(f)
			_ = f.Close()
			if err != nil {
				return nil, err
			}
			continue // Collected or replaced while waiting for the lock
		}

		binary, err := io.ReadAll(f)
		if err != nil {
			_ = unlockFile(f)
			_ = f.Close()
			return nil, errors.Wrap(err, "read file")
		}
		return &openFile{file: f, loaded: binary}, nil
	}
}

func (s *fileStorage) Store(_ context.Context, sid string, data []byte, _ time.Duration) (err error) {
	of, ok := s.locks.Value(sid)
	if !ok {
		return errors.Wrapf(ErrNotLoaded, "slot %q", sid)
	}
	defer func() {
		_ = unlockFile(of.file)
		closeErr := of.file.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrap(closeErr, "close file")
		}
		_, _ = s.locks.Release(sid)
	}()

	if len(data) == 0 {
		err = os.Remove(of.file.Name())
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "remove file")
		}
		return nil
	}

	if bytes.Equal(data, of.loaded) {
		return nil
	}

	err = of.file.Truncate(0)
	if err != nil {
		return errors.Wrap(err, "truncate file")
	}
	_, err = of.file.WriteAt(data, 0)
	if err != nil {
		return errors.Wrap(err, "write file")
	}
	return nil
}

func (s *fileStorage) GC(ctx context.Context, lifetime time.Duration) error {
	err := filepath.WalkDir(s.rootDir, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), FileExt) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if s.isAlive(fi, lifetime) {
			return nil
		}
		return s.collect(path, lifetime)
	})
	if err != nil && !errors.Is(err, ctx.Err()) {
		return err
	}
	return nil
}

// isAlive returns true if the file is younger than given lifetime.
func (s *fileStorage) isAlive(fi fs.FileInfo, lifetime time.Duration) bool {
	return fi.ModTime().Add(lifetime).After(s.nowFunc())
}

// collect removes the expired session file at given path unless it is locked
// or otherwise inaccessible.
func (s *fileStorage) collect(path string, lifetime time.Duration) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		s.logger.Debug("Skipping inaccessible session file", "path", path, "err", err)
		return nil
	}
	defer func() { _ = f.Close() }()

	ok, err := tryLockFile(f)
	if err != nil || !ok {
		return nil
	}
	defer func() { _ = unlockFile(f) }()

	// The file may have been written or replaced before we got the lock.
	fi, err := f.Stat()
	if err != nil || s.isAlive(fi, lifetime) {
		return nil
	}
	same, err := isSameFile(f, path)
	if err != nil || !same {
		return nil
	}

	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove file")
	}
	return nil
}

// FileConfig contains options for the file session storage.
type FileConfig struct {
	// For tests only
	nowFunc func() time.Time

	// RootDir is the root directory of session files stored on the local file
	// system. Default is "sessions".
	RootDir string
	// PathLevels is the number of subdirectory levels to spread session files
	// over, each named after the next character of the session ID. Default is 0,
	// i.e. all files are stored in RootDir.
	PathLevels int
	// FileMode is the permission bits of session files. Default is 0600.
	FileMode os.FileMode
	// DirMode is the permission bits of created directories. Default is 0700.
	DirMode os.FileMode
	// LockTimeout is the bound of waiting for the lock of a session file. Default
	// is DefaultLockTimeout, a negative value waits until the context is done.
	LockTimeout time.Duration
	// Logger is used to report lock failures. Default is log.Default().
	Logger *log.Logger
}

// FileIniter returns the Initer for the file session storage.
func FileIniter() Initer {
	return func(ctx context.Context, args ...interface{}) (Storage, error) {
		var cfg *FileConfig
		for i := range args {
			switch v := args[i].(type) {
			case FileConfig:
				cfg = &v
			}
		}

		if cfg == nil {
			return nil, fmt.Errorf("config object with the type '%T' not found", FileConfig{})
		} else if cfg.PathLevels < 0 {
			return nil, &RangeError{Field: "PathLevels", Value: int64(cfg.PathLevels), Reason: "must not be negative"}
		}

		if cfg.nowFunc == nil {
			cfg.nowFunc = time.Now
		}
		if cfg.RootDir == "" {
			cfg.RootDir = "sessions"
		}
		if cfg.FileMode == 0 {
			cfg.FileMode = 0600
		}
		if cfg.DirMode == 0 {
			cfg.DirMode = 0700
		}
		if cfg.LockTimeout == 0 {
			cfg.LockTimeout = DefaultLockTimeout
		}
		if cfg.Logger == nil {
			cfg.Logger = log.Default()
		}

		return newFileStorage(*cfg), nil
	}
}
