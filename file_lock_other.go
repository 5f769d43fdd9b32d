// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !unix && !windows

package stately

import (
	"os"
)

// tryLockFile always succeeds on platforms without file locks, sessions are
// then only serialized within the process.
func tryLockFile(*os.File) (bool, error) {
	return true, nil
}

func unlockFile(*os.File) error {
	return nil
}
