// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

//go:build !windows

package sshkey

import (
	"path/filepath"

	"github.com/google/renameio/v2"
)

func writeAtomic(path string, data []byte) error {
	return renameio.WriteFile(path, data, keyFileMode,
		renameio.WithTempDir(filepath.Dir(path)),
		renameio.WithStaticPermissions(keyFileMode))
}
