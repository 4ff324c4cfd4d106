// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package sshkey

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/toeirei/sshkeyring/internal/logging"
)

// PublicFunc receives each parsed public record. Returning false stops the scan.
type PublicFunc func(*KeyRecord) bool

// SecretFunc receives each parsed private key block. Returning false stops the scan.
type SecretFunc func(*SecretKeyRecord) bool

// FileError is an I/O failure on a key file, as opposed to a parse error
// inside it.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// Scan walks text line by line and reports every public key line and private
// key block it can parse. Lines that do not parse are skipped. It returns the
// number of public records reported.
func Scan(text string, onPublic PublicFunc, onSecret SecretFunc) int {
	lines := strings.Split(text, "\n")
	found := 0

	for i := 0; i < len(lines); {
		line := lines[i]

		if strings.Contains(line, SecretSigil) || strings.Contains(line, PrivateBegin) {
			sec, next, err := ParsePrivateBlock(lines, i)
			if err == nil {
				i = next
				if onSecret != nil && !onSecret(sec) {
					return found
				}
				continue
			}
			logging.Debugf("line %d: %v", i+1, err)
			// fall through and treat the line as public key text
		}

		rec, err := ParsePublicLine(line)
		i++
		if err != nil {
			if !IsSkippable(err) {
				logging.Debugf("line %d: skipping: %v", i, err)
			}
			continue
		}

		found++
		if onPublic != nil && !onPublic(rec) {
			return found
		}
	}

	return found
}

// ScanFile reads path fully and scans it. Every public record reported has
// PublicFile set to path.
func ScanFile(path string, onPublic PublicFunc, onSecret SecretFunc) (int, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- key files are chosen by the caller
	if err != nil {
		return 0, &FileError{Op: "read", Path: path, Err: err}
	}

	pub := func(rec *KeyRecord) bool {
		rec.PublicFile = path
		if onPublic == nil {
			return true
		}
		return onPublic(rec)
	}
	return Scan(string(data), pub, onSecret), nil
}

// ParseAll collects every record found in text.
func ParseAll(text string) ([]*KeyRecord, []*SecretKeyRecord) {
	var pubs []*KeyRecord
	var secs []*SecretKeyRecord
	Scan(text,
		func(r *KeyRecord) bool { pubs = append(pubs, r); return true },
		func(s *SecretKeyRecord) bool { secs = append(secs, s); return true },
	)
	return pubs, secs
}

// Match reports whether the key-list file at path holds a record with the
// given fingerprint. A missing file holds nothing.
func Match(path, fingerprint string) (bool, error) {
	matched := false
	_, err := ScanFile(path, func(rec *KeyRecord) bool {
		if rec.Fingerprint == fingerprint {
			matched = true
			return false
		}
		return true
	}, nil)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return matched, nil
}
