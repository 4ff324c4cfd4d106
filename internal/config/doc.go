// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config provides configuration loading, merging, and persistence
// helpers for sshkeyring. It uses Viper for file/env/flag parsing and exposes
// utility functions to read/write configuration files.
package config
