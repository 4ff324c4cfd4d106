// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Command sshkeyring lists and manages the SSH keys of the current user:
// key pairs in ~/.ssh, authorized_keys, and a file of known but
// unauthorized keys.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(newApp()).Execute(); err != nil {
		// cobra has already printed the error
		os.Exit(1)
	}
}
