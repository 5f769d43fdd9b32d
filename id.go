// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stately

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// IDFunc generates a new session ID.
type IDFunc func() (string, error)

// NewID returns a random (version 4) UUID in its canonical 36-character form,
// e.g. "9f303fa8-3da2-432b-af20-1cb458ad3f3d".
func NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", errors.Wrap(err, "new random UUID")
	}
	return id.String(), nil
}

// isValidID returns true if given session ID has the canonical 8-4-4-4-12
// lowercase hexadecimal form.
func isValidID(sid string) bool {
	if len(sid) != 36 {
		return false
	}

	for i := range sid {
		switch i {
		case 8, 13, 18, 23:
			if sid[i] != '-' {
				return false
			}
			continue
		}

		switch {
		case '0' <= sid[i] && sid[i] <= '9':
		case 'a' <= sid[i] && sid[i] <= 'f':
		default:
			return false
		}
	}
	return true
}
