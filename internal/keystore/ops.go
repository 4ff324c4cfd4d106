// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package keystore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/zstd"

	"github.com/toeirei/sshkeyring/internal/keygen"
	"github.com/toeirei/sshkeyring/internal/logging"
	"github.com/toeirei/sshkeyring/internal/sshkey"
)

// ErrExists is returned when a key file that would be created already exists.
var ErrExists = errors.New("key file already exists")

// dirMode is used when the SSH directory has to be created.
const dirMode = 0o700

func (s *Store) entity(location string) (Entity, error) {
	ent, ok := s.Lookup(location)
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	return ent, nil
}

func (s *Store) ensureDir() error {
	if err := os.MkdirAll(s.opts.Dir, dirMode); err != nil {
		return &sshkey.FileError{Op: "write", Path: s.opts.Dir, Err: err}
	}
	return nil
}

// Rename changes the comment of the key at location. The public line is
// rewritten in its file; for a key pair that is also authorized the
// authorized_keys line is rewritten as well.
func (s *Store) Rename(location, comment string) (Entity, error) {
	ent, err := s.entity(location)
	if err != nil {
		return Entity{}, err
	}
	rec := ent.Record.WithComment(comment)

	if err := sshkey.FilterFile(rec.PublicFile, rec, nil); err != nil {
		return Entity{}, err
	}
	if ent.HasPrivate() && rec.Authorized {
		if err := sshkey.FilterFile(s.AuthorizedKeysPath(), rec, nil); err != nil {
			return Entity{}, err
		}
	}
	logging.Infof("renamed %s to %q", location, rec.Comment)
	return s.AddOrUpdate(rec)
}

// Authorize adds the key at location to authorized_keys, or removes it when
// authorize is false. Keys that only live in a key list move between
// authorized_keys and the other keys file, so the returned entity may have a
// new location. The destination is always written before the source; when
// the source cannot be rewritten the destination is restored.
func (s *Store) Authorize(location string, authorize bool) (Entity, error) {
	ent, err := s.entity(location)
	if err != nil {
		return Entity{}, err
	}
	if ent.Record.Authorized == authorize {
		return ent, nil
	}
	if err := s.ensureDir(); err != nil {
		return Entity{}, err
	}

	rec := ent.Record.Clone()
	authPath := s.AuthorizedKeysPath()

	if ent.HasPrivate() {
		if authorize {
			err = sshkey.FilterFile(authPath, rec, nil)
		} else {
			err = sshkey.FilterFile(authPath, nil, rec)
		}
		if err != nil {
			return Entity{}, err
		}
		rec.Authorized = authorize
		return s.AddOrUpdate(rec)
	}

	dst := s.OtherKeysPath()
	if authorize {
		dst = authPath
	}
	prev, err := os.ReadFile(dst) // #nosec G304 -- key list inside the ssh directory
	existed := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Entity{}, &sshkey.FileError{Op: "read", Path: dst, Err: err}
	}
	if err := sshkey.FilterFile(dst, rec, nil); err != nil {
		return Entity{}, err
	}
	if rec.PublicFile != dst {
		if err := sshkey.FilterFile(rec.PublicFile, nil, rec); err != nil {
			restore(dst, prev, existed)
			return Entity{}, err
		}
	}

	rec.PublicFile = dst
	rec.Authorized = authorize
	if LocationOf(rec) != location {
		s.Remove(location)
	}
	return s.AddOrUpdate(rec)
}

// restore puts a key list back the way it was before a failed operation.
func restore(path string, data []byte, existed bool) {
	var err error
	if existed {
		err = sshkey.WritePrivate(path, data)
	} else {
		err = os.Remove(path)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Errorf("could not restore %s: %v", path, err)
	}
}

// Delete removes the key at location from disk: a key-list entry loses its
// line, a key pair loses both files. authorized_keys is not touched for key
// pairs.
func (s *Store) Delete(location string) error {
	ent, err := s.entity(location)
	if err != nil {
		return err
	}

	if ent.HasPrivate() {
		for _, path := range []string{ent.Record.PrivateFile, ent.Record.PublicFile} {
			if path == "" {
				continue
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return &sshkey.FileError{Op: "delete", Path: path, Err: err}
			}
		}
	} else if err := sshkey.FilterFile(ent.Record.PublicFile, nil, &ent.Record); err != nil {
		return err
	}

	s.Remove(location)
	logging.Infof("deleted %s", location)
	if ent.HasPrivate() {
		if ok, err := sshkey.Match(s.AuthorizedKeysPath(), ent.Fingerprint()); err == nil && ok {
			logging.Warnf("%s is still listed in %s", ent.Fingerprint(), s.AuthorizedKeysPath())
		}
	}
	return nil
}

// ImportResult lists the locations created by Import.
type ImportResult struct {
	Public  []string
	Private []string
}

// ImportPublic appends every public key in text to the other keys file.
// Keys the store already knows are skipped. It returns the locations of the
// imported keys.
func (s *Store) ImportPublic(text string) ([]string, error) {
	var recs []*sshkey.KeyRecord
	sshkey.Scan(text, func(rec *sshkey.KeyRecord) bool {
		recs = append(recs, rec)
		return true
	}, nil)
	return s.importPublic(recs)
}

func (s *Store) importPublic(recs []*sshkey.KeyRecord) ([]string, error) {
	var out []string
	if len(recs) == 0 {
		return out, nil
	}
	if err := s.ensureDir(); err != nil {
		return nil, err
	}

	path := s.OtherKeysPath()
	for _, rec := range recs {
		if !rec.Valid() {
			continue
		}
		if _, ok := s.FindByFingerprint(rec.Fingerprint); ok {
			logging.Debugf("skipping known key %s", rec.Fingerprint)
			continue
		}
		if err := sshkey.FilterFile(path, rec, nil); err != nil {
			return out, err
		}
		rec.PublicFile = path
		rec.PrivateFile = ""
		rec.Partial = true
		rec.Authorized = false
		ent, err := s.AddOrUpdate(rec)
		if err != nil {
			return out, err
		}
		out = append(out, ent.Location)
	}
	return out, nil
}

// ImportPrivate stores a private key block as a new key pair in the SSH
// directory. The public half is derived with deriver before anything is
// written.
func (s *Store) ImportPrivate(ctx context.Context, sec *sshkey.SecretKeyRecord, deriver keygen.PublicKeyDeriver, passphrase []byte) (Entity, error) {
	line, err := deriver.DerivePublic(ctx, []byte(sec.RawBlock), passphrase)
	if err != nil {
		return Entity{}, err
	}
	rec, err := sshkey.ParsePublicLine(line)
	if err != nil {
		return Entity{}, fmt.Errorf("derived public key: %w", err)
	}
	if sec.Comment != "" {
		rec = rec.WithComment(sec.Comment)
	}
	if ent, ok := s.FindByFingerprint(rec.Fingerprint); ok && ent.HasPrivate() {
		return Entity{}, fmt.Errorf("%w: key %s is already stored at %s", ErrExists, rec.Fingerprint, ent.Location)
	}
	// the pair takes over key-list entries of the same key
	partials := s.partialsOf(rec.Fingerprint)
	for _, p := range partials {
		rec.Authorized = rec.Authorized || p.Record.Authorized
	}

	if err := s.ensureDir(); err != nil {
		return Entity{}, err
	}
	privPath := s.freeName(importBase(sec.Algorithm))
	ent, err := s.writePair(privPath, []byte(sec.RawBlock), rec)
	if err != nil {
		return Entity{}, err
	}
	for _, p := range partials {
		s.Remove(p.Location)
	}
	return ent, nil
}

// partialsOf returns the key-list entities holding the key with fingerprint fp.
func (s *Store) partialsOf(fp string) []Entity {
	var out []Entity
	for _, ent := range s.Entities() {
		if ent.Fingerprint() == fp && !ent.HasPrivate() {
			out = append(out, ent)
		}
	}
	return out
}

// PassphraseFunc asks for the passphrase of an encrypted private key. The
// label is the key's comment, if it has one.
type PassphraseFunc func(label string) ([]byte, error)

// Import splits text into public and private keys and imports each. An
// encrypted private key is retried once with the passphrase from ask, when
// ask is set. Failures of single private keys are collected; public keys are
// imported regardless.
func (s *Store) Import(ctx context.Context, text string, deriver keygen.PublicKeyDeriver, ask PassphraseFunc) (ImportResult, error) {
	var res ImportResult
	pubs, secs := sshkey.ParseAll(text)

	locs, err := s.importPublic(pubs)
	res.Public = locs
	if err != nil {
		return res, err
	}

	var errs *multierror.Error
	for _, sec := range secs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ent, err := s.ImportPrivate(ctx, sec, deriver, nil)
		if errors.Is(err, keygen.ErrPassphraseRequired) && ask != nil {
			var pass []byte
			if pass, err = ask(sec.Comment); err == nil {
				ent, err = s.ImportPrivate(ctx, sec, deriver, pass)
			}
		}
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		res.Private = append(res.Private, ent.Location)
	}
	return res, errs.ErrorOrNil()
}

// Generate creates a new key pair named name in the SSH directory. An empty
// name picks id_<algorithm>.
func (s *Store) Generate(ctx context.Context, gen keygen.Generator, name string, req keygen.Request) (Entity, error) {
	if name == "" {
		algo := strings.ToLower(req.Algorithm)
		if algo == "" {
			algo = keygen.AlgoRSA
		}
		name = "id_" + algo
	}
	if strings.ContainsRune(name, os.PathSeparator) || strings.HasSuffix(name, ".pub") {
		return Entity{}, fmt.Errorf("invalid key name %q", name)
	}
	privPath := s.resolve(name)
	for _, p := range []string{privPath, privPath + ".pub"} {
		if _, err := os.Lstat(p); err == nil {
			return Entity{}, fmt.Errorf("%w: %s", ErrExists, p)
		}
	}

	pair, err := gen.Generate(ctx, req)
	if err != nil {
		return Entity{}, err
	}
	rec, err := sshkey.ParsePublicLine(pair.PublicLine)
	if err != nil {
		return Entity{}, fmt.Errorf("generated public key: %w", err)
	}
	if err := s.ensureDir(); err != nil {
		return Entity{}, err
	}
	return s.writePair(privPath, pair.PrivatePEM, rec)
}

func (s *Store) writePair(privPath string, private []byte, rec *sshkey.KeyRecord) (Entity, error) {
	if len(private) > 0 && private[len(private)-1] != '\n' {
		private = append(private, '\n')
	}
	pubPath := privPath + ".pub"
	if err := sshkey.WritePrivate(privPath, private); err != nil {
		return Entity{}, err
	}
	if err := sshkey.WritePrivate(pubPath, []byte(rec.RawLine+"\n")); err != nil {
		_ = os.Remove(privPath)
		return Entity{}, err
	}

	rec.PublicFile = pubPath
	rec.PrivateFile = privPath
	rec.Partial = false
	logging.Infof("stored key pair %s", privPath)
	return s.AddOrUpdate(rec)
}

func importBase(algo sshkey.Algorithm) string {
	switch algo {
	case sshkey.AlgoRSA:
		return "id_rsa_import"
	case sshkey.AlgoDSA:
		return "id_dsa_import"
	default:
		return "id_key_import"
	}
}

// freeName returns the first of base, base1, base2, … for which neither the
// key file nor its .pub sibling exists.
func (s *Store) freeName(base string) string {
	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name += strconv.Itoa(i)
		}
		path := filepath.Join(s.opts.Dir, name)
		_, errPriv := os.Lstat(path)
		_, errPub := os.Lstat(path + ".pub")
		if errors.Is(errPriv, fs.ErrNotExist) && errors.Is(errPub, fs.ErrNotExist) {
			return path
		}
	}
}

// Export writes the keys at locations to w: the public line for each key,
// or the private key block for key pairs when private is set. Private blocks
// carry their comment on a sigil line so Import restores it. With compress
// the output is a zstd stream.
func (s *Store) Export(w io.Writer, locations []string, private, compress bool) (err error) {
	ents := make([]Entity, 0, len(locations))
	for _, loc := range locations {
		ent, err := s.entity(loc)
		if err != nil {
			return err
		}
		ents = append(ents, ent)
	}

	out := w
	if compress {
		zw, zerr := zstd.NewWriter(w)
		if zerr != nil {
			return zerr
		}
		defer func() {
			if cerr := zw.Close(); err == nil {
				err = cerr
			}
		}()
		out = zw
	}

	for _, ent := range ents {
		if private && ent.HasPrivate() {
			data, err := os.ReadFile(ent.Record.PrivateFile) // #nosec G304 -- path is a tracked key file
			if err != nil {
				return &sshkey.FileError{Op: "read", Path: ent.Record.PrivateFile, Err: err}
			}
			block := sshkey.FormatSecretBlock(&sshkey.SecretKeyRecord{
				RawBlock:  string(data),
				Comment:   ent.Record.Comment,
				Algorithm: ent.Record.Algorithm,
			})
			if _, err := io.WriteString(out, block); err != nil {
				return err
			}
			continue
		}
		if _, err := io.WriteString(out, strings.TrimRight(ent.Record.RawLine, "\r\n")+"\n"); err != nil {
			return err
		}
	}
	return nil
}
