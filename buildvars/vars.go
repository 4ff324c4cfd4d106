// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package buildvars contains variables injected at build time, e.g.
//
//	-ldflags "-X github.com/toeirei/sshkeyring/buildvars.Version=v1.0.0"
package buildvars

var (
	// Version is the release version; "dev" for local builds.
	Version = "dev"
	// Commit is the short commit SHA.
	Commit = "dev"
	// Date is the build time in RFC3339.
	Date = ""
)

// VersionOrDefault returns Version if it was set at link time, otherwise def.
func VersionOrDefault(def string) string {
	if Version != "" && Version != "dev" {
		return Version
	}
	return def
}
