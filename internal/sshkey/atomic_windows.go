// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

//go:build windows

package sshkey

import "os"

// renameio has no Windows support; the file is rewritten in place.
func writeAtomic(path string, data []byte) error {
	return os.WriteFile(path, data, keyFileMode)
}
