// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build unix

package stately

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// tryLockFile tries to acquire the exclusive flock(2) of the file without
// blocking. It returns false if the file is locked by another open file
// description, including one in the same process.
func tryLockFile(f *os.File) (bool, error) {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	} else if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	return false, errors.Wrap(err, "flock")
}

// unlockFile releases the flock(2) of the file.
func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
