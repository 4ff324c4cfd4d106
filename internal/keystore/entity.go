// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package keystore

import (
	"strings"

	"github.com/toeirei/sshkeyring/internal/sshkey"
)

// Entity is a live key tracked by the Store. Values handed out by the Store
// are copies; changing them has no effect on the Store.
type Entity struct {
	// Location is the stable identity of the entity. It never changes while
	// the entity exists.
	Location string
	Record   sshkey.KeyRecord
}

// LocationOf computes the identity of a record: the private key path for key
// pairs, "<file>#<fingerprint>" for keys that share a key-list file, and the
// public file path otherwise.
func LocationOf(rec *sshkey.KeyRecord) string {
	switch {
	case rec.PrivateFile != "":
		return rec.PrivateFile
	case rec.Partial:
		return rec.PublicFile + "#" + rec.Fingerprint
	default:
		return rec.PublicFile
	}
}

func (e Entity) Fingerprint() string { return e.Record.Fingerprint }

func (e Entity) Algorithm() string { return e.Record.Algorithm.String() }

// Identifier is the short key id: the last eight hex digits of the
// fingerprint.
func (e Entity) Identifier() string {
	hexed := strings.ToUpper(strings.ReplaceAll(e.Record.Fingerprint, ":", ""))
	if len(hexed) > 8 {
		hexed = hexed[len(hexed)-8:]
	}
	return hexed
}

// Label is the comment, or a generic name when the key has none.
func (e Entity) Label() string {
	if e.Record.Comment != "" {
		return e.Record.Comment
	}
	return "Secure Shell Key"
}

func (e Entity) HasPrivate() bool { return e.Record.PrivateFile != "" }

func (e Entity) Usage() string {
	if e.HasPrivate() {
		return "Private Secure Shell Key"
	}
	return "Public Secure Shell Key"
}
