// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package keystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/toeirei/sshkeyring/internal/logging"
	"github.com/toeirei/sshkeyring/internal/sshkey"
)

// Source identifies where a record came from during a load pass.
type Source int

const (
	// SourcePairs are private key files with a .pub sibling.
	SourcePairs Source = iota
	// SourceAuthorized is the authorized_keys file.
	SourceAuthorized
	// SourceOther is the file of known but unauthorized keys.
	SourceOther
)

// sourceOrder is the fixed scan order; merge results depend on it.
var sourceOrder = []Source{SourcePairs, SourceAuthorized, SourceOther}

func (s Source) String() string {
	switch s {
	case SourcePairs:
		return "key pairs"
	case SourceAuthorized:
		return "authorized keys"
	case SourceOther:
		return "other keys"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// SourceError is a failure to read one source during a load pass.
type SourceError struct {
	Source Source
	Err    error
}

func (e *SourceError) Error() string { return e.Source.String() + ": " + e.Err.Error() }

func (e *SourceError) Unwrap() error { return e.Err }

// fatalError aborts the whole load pass.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }

// privateSniffLen is how much of a candidate file is searched for the
// private key marker.
const privateSniffLen = 128

// openKeyFile opens pair candidates; tests replace it.
var openKeyFile = os.Open

// pass buffers the records of one load pass, de-duplicated by fingerprint.
type pass struct {
	records []*sshkey.KeyRecord
	byFP    map[string]*sshkey.KeyRecord
	byLoc   map[string]*sshkey.KeyRecord
}

func newPass() *pass {
	return &pass{
		byFP:  make(map[string]*sshkey.KeyRecord),
		byLoc: make(map[string]*sshkey.KeyRecord),
	}
}

// offer adds rec to the pass. A key seen earlier in the pass keeps its first
// record; a later sighting can only mark it authorized.
func (p *pass) offer(rec *sshkey.KeyRecord) bool {
	if !rec.Valid() {
		logging.Debugf("discarding record without key material from %s", rec.PublicFile)
		return false
	}

	prev, ok := p.byFP[rec.Fingerprint]
	if !ok {
		prev, ok = p.byLoc[LocationOf(rec)]
	}
	if ok {
		if rec.Authorized && !prev.Authorized {
			prev.Authorized = true
		}
		return false
	}

	p.records = append(p.records, rec)
	p.byFP[rec.Fingerprint] = rec
	p.byLoc[LocationOf(rec)] = rec
	return true
}

// scanSource feeds one source into p and returns how many records it
// produced. A *fatalError aborts the load; any other error is a warning.
func (s *Store) scanSource(ctx context.Context, src Source, p *pass) (int, error) {
	switch src {
	case SourcePairs:
		return s.scanPairs(ctx, p)
	case SourceAuthorized:
		return s.scanKeyList(s.AuthorizedKeysPath(), true, p)
	case SourceOther:
		return s.scanKeyList(s.OtherKeysPath(), false, p)
	default:
		return 0, fmt.Errorf("unknown source %d", int(src))
	}
}

// scanPairs looks for private key files that have a .pub sibling and reads
// the public half of each.
func (s *Store) scanPairs(ctx context.Context, p *pass) (int, error) {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logging.Debugf("ssh directory %s does not exist", s.opts.Dir)
			return 0, nil
		}
		return 0, &fatalError{err: fmt.Errorf("read ssh directory %s: %w", s.opts.Dir, err)}
	}

	var errs *multierror.Error
	found := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return found, err
		}

		name := entry.Name()
		if strings.HasSuffix(name, ".pub") || sshkey.IsTempName(name) {
			continue
		}
		privPath := filepath.Join(s.opts.Dir, name)
		pubPath := privPath + ".pub"
		if !isRegular(privPath) || !isRegular(pubPath) {
			continue
		}

		ok, err := hasPrivateMarker(privPath)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !ok {
			continue
		}

		_, err = sshkey.ScanFile(pubPath, func(rec *sshkey.KeyRecord) bool {
			rec.PrivateFile = privPath
			rec.Partial = false
			rec.Authorized = false
			if p.offer(rec) {
				found++
			}
			// one key per pair
			return false
		}, nil)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return found, errs.ErrorOrNil()
}

// scanKeyList reads a file holding many public keys. A missing file is not
// an error.
func (s *Store) scanKeyList(path string, authorized bool, p *pass) (int, error) {
	found := 0
	_, err := sshkey.ScanFile(path, func(rec *sshkey.KeyRecord) bool {
		rec.Partial = true
		rec.Authorized = authorized
		if p.offer(rec) {
			found++
		}
		return true
	}, nil)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return found, err
	}
	return found, nil
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// hasPrivateMarker reports whether the start of the file looks like a
// private key.
func hasPrivateMarker(path string) (bool, error) {
	f, err := openKeyFile(path) // #nosec G304 -- path comes from listing the ssh directory
	if err != nil {
		return false, &sshkey.FileError{Op: "read", Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, privateSniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, &sshkey.FileError{Op: "read", Path: path, Err: err}
	}
	return bytes.Contains(buf[:n], []byte("PRIVATE KEY")), nil
}
