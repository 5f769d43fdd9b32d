// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stately

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileStorage(t *testing.T, cfg FileConfig) *fileStorage {
	storage, err := FileIniter()(context.Background(), cfg)
	require.NoError(t, err)
	return storage.(*fileStorage)
}

func TestFileStorage_filename(t *testing.T) {
	tests := []struct {
		name       string
		pathLevels int
		sid        string
		want       string
	}{
		{
			name: "flat",
			sid:  "9f303fa8-3da2-432b-af20-1cb458ad3f3d",
			want: filepath.Join("sessions", "9f303fa8-3da2-432b-af20-1cb458ad3f3d"+FileExt),
		},
		{
			name:       "nested",
			pathLevels: 2,
			sid:        "9f303fa8-3da2-432b-af20-1cb458ad3f3d",
			want:       filepath.Join("sessions", "9", "f", "9f303fa8-3da2-432b-af20-1cb458ad3f3d"+FileExt),
		},
		{
			name:       "sanitized",
			pathLevels: 1,
			sid:        "../etc/passwd",
			want:       filepath.Join("sessions", "_", "___etc_passwd"+FileExt),
		},
		{
			name:       "short",
			pathLevels: 3,
			sid:        "ab",
			want:       filepath.Join("sessions", "a", "b", "ab"+FileExt),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newFileStorage(FileConfig{
				RootDir:    "sessions",
				PathLevels: test.pathLevels,
			})
			assert.Equal(t, test.want, s.filename(test.sid))
		})
	}
}

func TestFileStorage(t *testing.T) {
	ctx := context.Background()
	rootDir := t.TempDir()
	storage := newTestFileStorage(t, FileConfig{
		RootDir:    rootDir,
		PathLevels: 2,
	})

	const sid = "9f303fa8-3da2-432b-af20-1cb458ad3f3d"
	filename := filepath.Join(rootDir, "9", "f", sid+FileExt)

	binary, err := storage.Load(ctx, sid)
	require.NoError(t, err)
	assert.Nil(t, binary)
	assert.FileExists(t, filename)
	require.NoError(t, storage.Store(ctx, sid, []byte("data"), time.Minute))

	got, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
	if runtime.GOOS != "windows" {
		fi, err := os.Stat(filename)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())
	}

	// Unchanged data is not written again
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(filename, old, old))
	binary, err = storage.Load(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), binary)
	require.NoError(t, storage.Store(ctx, sid, []byte("data"), time.Minute))
	fi, err := os.Stat(filename)
	require.NoError(t, err)
	assert.True(t, fi.ModTime().Equal(old))

	// Shorter data replaces the whole file
	_, err = storage.Load(ctx, sid)
	require.NoError(t, err)
	require.NoError(t, storage.Store(ctx, sid, []byte("da"), time.Minute))
	got, err = os.ReadFile(filename)
	require.NoError(t, err)
	assert.Equal(t, []byte("da"), got)

	_, err = storage.Load(ctx, sid)
	require.NoError(t, err)
	require.NoError(t, storage.Store(ctx, sid, nil, time.Minute))
	assert.NoFileExists(t, filename)

	err = storage.Store(ctx, sid, []byte("data"), time.Minute)
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestFileStorage_GC(t *testing.T) {
	ctx := context.Background()
	rootDir := t.TempDir()
	now := time.Now().Truncate(time.Second)
	storage := newTestFileStorage(t, FileConfig{
		nowFunc:    func() time.Time { return now },
		RootDir:    rootDir,
		PathLevels: 1,
	})

	write := func(sid string, modTime time.Time) {
		_, err := storage.Load(ctx, sid)
		require.NoError(t, err)
		require.NoError(t, storage.Store(ctx, sid, []byte(sid), time.Minute))
		require.NoError(t, os.Chtimes(storage.filename(sid), modTime, modTime))
	}
	write("1", now.Add(-2*time.Minute))
	write("2", now.Add(-time.Minute))
	write("3", now.Add(-time.Second))

	// Files of other extensions are left alone
	other := filepath.Join(rootDir, "README")
	require.NoError(t, os.WriteFile(other, []byte("keep"), 0600))

	// An age equal to the lifetime is expired
	require.NoError(t, storage.GC(ctx, time.Minute))
	assert.NoFileExists(t, storage.filename("1"))
	assert.NoFileExists(t, storage.filename("2"))
	assert.FileExists(t, storage.filename("3"))
	assert.FileExists(t, other)

	// A locked file is skipped
	_, err := storage.Load(ctx, "3")
	require.NoError(t, err)
	require.NoError(t, storage.GC(ctx, 0))
	if runtime.GOOS == "linux" || runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		assert.FileExists(t, storage.filename("3"))
	}
	require.NoError(t, storage.Store(ctx, "3", []byte("3"), time.Minute))

	require.NoError(t, storage.GC(ctx, 0))
	assert.NoFileExists(t, storage.filename("3"))
}

func TestFileStorage_GCMissingRoot(t *testing.T) {
	storage := newTestFileStorage(t, FileConfig{
		RootDir: filepath.Join(t.TempDir(), "missing"),
	})
	assert.NoError(t, storage.GC(context.Background(), 0))
}

func TestFileStorage_Lock(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" && runtime.GOOS != "windows" {
		t.Skip("no file locks on " + runtime.GOOS)
	}

	ctx := context.Background()
	rootDir := t.TempDir()

	// Two storages sharing a directory behave like two processes.
	storage1 := newTestFileStorage(t, FileConfig{RootDir: rootDir})
	storage2 := newTestFileStorage(t, FileConfig{
		RootDir:     rootDir,
		LockTimeout: 100 * time.Millisecond,
	})

	const sid = "9f303fa8-3da2-432b-af20-1cb458ad3f3d"
	_, err := storage1.Load(ctx, sid)
	require.NoError(t, err)

	_, err = storage2.Load(ctx, sid)
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, storage1.Store(ctx, sid, []byte("data"), time.Minute))

	binary, err := storage2.Load(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), binary)
	require.NoError(t, storage2.Store(ctx, sid, binary, time.Minute))
}

func TestFileIniter(t *testing.T) {
	_, err := FileIniter()(context.Background())
	assert.Error(t, err)

	_, err = FileIniter()(context.Background(), FileConfig{PathLevels: -1})
	var rangeErr *RangeError
	assert.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, "PathLevels", rangeErr.Field)
}
