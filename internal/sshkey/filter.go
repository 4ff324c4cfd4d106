// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package sshkey

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// keyFileMode is used for every file this package writes. Key lists must
// never be group or world readable.
const keyFileMode = 0o600

// FilterFile rewrites the key-list file at path. Lines whose key has the
// fingerprint of remove are dropped, add (if any) is appended as the last
// line, and every other line is kept byte for byte. When remove is nil, add
// doubles as the removal target so re-adding a key replaces the old line.
// A missing file is treated as empty.
func FilterFile(path string, add, remove *KeyRecord) error {
	data, err := os.ReadFile(path) // #nosec G304 -- key files are chosen by the caller
	existed := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &FileError{Op: "read", Path: path, Err: err}
	}

	if remove == nil {
		remove = add
	}

	var b strings.Builder
	b.Grow(len(data))
	dropped := false
	for _, line := range strings.SplitAfter(string(data), "\n") {
		if line == "" {
			continue
		}
		if remove != nil && remove.Fingerprint != "" {
			if rec, perr := ParsePublicLine(strings.TrimRight(line, "\r\n")); perr == nil && rec.Fingerprint == remove.Fingerprint {
				dropped = true
				continue
			}
		}
		b.WriteString(line)
	}

	if add == nil && !dropped {
		// nothing to change
		return nil
	}

	if add != nil {
		if out := b.String(); out != "" && !strings.HasSuffix(out, "\n") {
			b.WriteByte('\n')
		}
		b.WriteString(strings.TrimRight(add.RawLine, "\r\n"))
		b.WriteByte('\n')
	}

	if existed && b.String() == string(data) {
		return nil
	}
	return WritePrivate(path, []byte(b.String()))
}

// WritePrivate replaces the file at path with data, mode 0600, so readers
// never see a half-written file. A symlink at path is followed and its target
// is replaced; the link itself stays in place.
func WritePrivate(path string, data []byte) error {
	target, err := resolveLink(path)
	if err != nil {
		return &FileError{Op: "write", Path: path, Err: err}
	}
	if err := writeAtomic(target, data); err != nil {
		return &FileError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// resolveLink returns the file a write to path should replace. A dangling
// link resolves to the file it names.
func resolveLink(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	dest, lerr := os.Readlink(path)
	if lerr != nil {
		// not a link; the file does not exist yet
		return path, nil
	}
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(filepath.Dir(path), dest)
	}
	return dest, nil
}

// IsTempName reports whether a file name belongs to a hidden file, which
// includes the temporary files of an atomic write in progress.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, ".")
}
