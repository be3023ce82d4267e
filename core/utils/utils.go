// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package utils provides small filesystem and memory hygiene helpers.
package utils

import (
	"errors"
	"fmt"
	"os"
)

// Exists returns true if the file or directory f exists.
func Exists(f string) bool {
	if _, err := os.Stat(f); err == nil {
		return true
	} else if errors.Is(err, os.ErrNotExist) {
		return false
	} else {
		panic(err)
	}
}

// MkDataDir creates a private (0700) directory at f if it does not exist,
// and validates the permissions if it does.
func MkDataDir(f string) error {
	const dirMode = os.ModeDir | 0700

	fi, err := os.Lstat(f)
	if err != nil {
		if os.IsNotExist(err) {
			return os.Mkdir(f, dirMode)
		}
		return fmt.Errorf("utils: failed to stat() dir: %v", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("utils: '%v' is not a directory", f)
	}
	if fi.Mode() != dirMode {
		return fmt.Errorf("utils: dir '%v' has invalid permissions '%v'", f, fi.Mode())
	}
	return nil
}

// ExplicitBzero explicitly clears b by filling it with 0x00.
func ExplicitBzero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
