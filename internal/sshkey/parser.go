// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package sshkey parses OpenSSH public key lines and PEM private key blocks,
// scans whole key files for them and rewrites key-list files such as
// authorized_keys without disturbing lines it does not own.
package sshkey

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/ssh"
	"golang.org/x/text/encoding/charmap"
)

// Markers recognised inside key files.
const (
	// SecretSigil prefixes a comment line written in front of private key
	// blocks generated by this tool. It is optional.
	SecretSigil  = "# SSH PRIVATE KEY: "
	PrivateBegin = "-----BEGIN "
	PrivateEnd   = "-----END "
)

var (
	// ErrNotARecord is returned for blank lines and # comments. Callers skip
	// these silently.
	ErrNotARecord = errors.New("not a key record")
	// ErrMalformed is returned when a line has no key type / key data split.
	ErrMalformed = errors.New("malformed key line")
	// ErrUnsupportedAlgorithm is returned when the key type is neither RSA nor DSA.
	ErrUnsupportedAlgorithm = errors.New("unsupported key algorithm")
	// ErrDecodeFailure is returned when the key data is not valid base64.
	ErrDecodeFailure = errors.New("invalid key data")
	// ErrNoKeyFound is returned by ParsePrivateBlock when no complete
	// BEGIN/END block follows the start line.
	ErrNoKeyFound = errors.New("no private key found")
)

// Algorithm is the coarse key family of a record.
type Algorithm int

const (
	AlgoUnknown Algorithm = iota
	AlgoRSA
	AlgoDSA
)

func (a Algorithm) String() string {
	switch a {
	case AlgoRSA:
		return "RSA"
	case AlgoDSA:
		return "DSA"
	default:
		return "Unknown"
	}
}

// KeyRecord is one parsed public key.
type KeyRecord struct {
	Algorithm Algorithm
	// Bits is a display estimate derived from the blob size; it is not a
	// cryptographic bit count and must not drive security decisions.
	Bits        int
	Fingerprint string
	// FingerprintSHA256 is only filled when the blob is a wire-valid SSH key.
	FingerprintSHA256 string
	Comment           string
	RawLine           string

	PublicFile  string
	PrivateFile string
	Partial     bool
	Authorized  bool
}

// Valid reports whether the record carries usable key material.
func (r *KeyRecord) Valid() bool {
	return r != nil && r.Fingerprint != ""
}

// Clone returns a copy of r.
func (r *KeyRecord) Clone() *KeyRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Equal compares every field of two records.
func (r *KeyRecord) Equal(o *KeyRecord) bool {
	if r == nil || o == nil {
		return r == o
	}
	return *r == *o
}

// KeyType returns the leading type token of the raw line, e.g. "ssh-rsa".
func (r *KeyRecord) KeyType() string {
	typ, _, _ := strings.Cut(strings.TrimLeft(r.RawLine, " \t"), " ")
	return typ
}

// Blob returns the base64 key data token of the raw line.
func (r *KeyRecord) Blob() string {
	_, rest, ok := strings.Cut(strings.TrimLeft(r.RawLine, " \t"), " ")
	if !ok {
		return ""
	}
	rest = strings.TrimLeft(rest, " \t")
	if i := strings.IndexAny(rest, " \t\r\n"); i >= 0 {
		return rest[:i]
	}
	return rest
}

// WithComment returns a copy of r whose raw line carries a new comment. The
// key type and blob are kept as they are.
func (r *KeyRecord) WithComment(comment string) *KeyRecord {
	c := r.Clone()
	comment = strings.TrimSpace(comment)
	line := r.KeyType() + " " + r.Blob()
	if comment != "" {
		line += " " + comment
	}
	c.RawLine = line
	c.Comment = comment
	return c
}

// SecretKeyRecord is one PEM-delimited private key block.
type SecretKeyRecord struct {
	RawBlock  string
	Comment   string
	Algorithm Algorithm
}

// ParsePublicLine parses one line of OpenSSH public key text of the form
// "<type> <base64> [comment]". Only RSA and DSA families are accepted; the
// family is picked by substring so "ecdsa-…" counts as DSA.
func ParsePublicLine(line string) (*KeyRecord, error) {
	text := strings.TrimLeft(line, " \t\r\n")
	if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
		return nil, ErrNotARecord
	}

	typ, rest, ok := strings.Cut(text, " ")
	if !ok {
		return nil, fmt.Errorf("%w: no key data after type %q", ErrMalformed, typ)
	}

	algo := classify(typ)
	if algo == AlgoUnknown {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, typ)
	}

	rest = strings.TrimLeft(rest, " \t")
	if strings.TrimSpace(rest) == "" {
		return nil, fmt.Errorf("%w: empty key data", ErrMalformed)
	}

	blob, comment := rest, ""
	if i := strings.IndexAny(rest, " \t\r\n"); i >= 0 {
		blob, comment = rest[:i], rest[i+1:]
	}

	data, err := decodeBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}

	rec := &KeyRecord{
		Algorithm:   algo,
		Bits:        estimateBits(algo, len(data)),
		Fingerprint: Fingerprint(data),
		Comment:     toUTF8(strings.TrimSpace(comment)),
		RawLine:     line,
	}
	if pk, err := ssh.ParsePublicKey(data); err == nil {
		rec.FingerprintSHA256 = ssh.FingerprintSHA256(pk)
	}
	return rec, nil
}

// Fingerprint renders the MD5 digest of a decoded key blob as colon
// separated lowercase hex pairs.
func Fingerprint(blob []byte) string {
	sum := md5.Sum(blob)
	hexed := hex.EncodeToString(sum[:])
	var b strings.Builder
	b.Grow(len(hexed) + len(sum) - 1)
	for i := 0; i < len(hexed); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hexed[i : i+2])
	}
	return b.String()
}

// ParsePrivateBlock reads a private key block starting at lines[start]. The
// start line may be the optional comment sigil; the block itself runs from
// the first line containing "-----BEGIN " through the first following line
// containing "-----END ". It returns the index just past the END line. When
// no complete block is found nothing is consumed and next == start.
func ParsePrivateBlock(lines []string, start int) (rec *SecretKeyRecord, next int, err error) {
	if start < 0 || start >= len(lines) {
		return nil, start, ErrNoKeyFound
	}

	rec = &SecretKeyRecord{}
	i := start
	if idx := strings.Index(lines[i], SecretSigil); idx >= 0 {
		rec.Comment = toUTF8(strings.TrimSpace(lines[i][idx+len(SecretSigil):]))
		i++
	}

	// Only blank lines may sit between the sigil and the BEGIN marker, so a
	// dangling sigil never swallows the public keys that follow it.
	begin := -1
	for ; i < len(lines); i++ {
		if strings.Contains(lines[i], PrivateBegin) {
			begin = i
			break
		}
		if strings.TrimSpace(lines[i]) != "" {
			break
		}
	}
	if begin < 0 {
		return nil, start, ErrNoKeyFound
	}

	end := -1
	for j := begin + 1; j < len(lines); j++ {
		if strings.Contains(lines[j], PrivateEnd) {
			end = j
			break
		}
	}
	if end < 0 {
		return nil, start, fmt.Errorf("%w: unterminated block at line %d", ErrNoKeyFound, begin+1)
	}

	rec.RawBlock = strings.Join(lines[begin:end+1], "\n")
	switch {
	case strings.Contains(rec.RawBlock, " RSA "):
		rec.Algorithm = AlgoRSA
	case strings.Contains(rec.RawBlock, " DSA "):
		rec.Algorithm = AlgoDSA
	}
	return rec, end + 1, nil
}

// FormatSecretBlock renders a private key record as file text, with the
// comment sigil in front when a comment is set.
func FormatSecretBlock(rec *SecretKeyRecord) string {
	var b strings.Builder
	if rec.Comment != "" {
		b.WriteString(SecretSigil)
		b.WriteString(rec.Comment)
		b.WriteByte('\n')
	}
	b.WriteString(rec.RawBlock)
	if !strings.HasSuffix(rec.RawBlock, "\n") {
		b.WriteByte('\n')
	}
	return b.String()
}

// IsSkippable reports whether err is the silent "not a record" class.
func IsSkippable(err error) bool {
	return errors.Is(err, ErrNotARecord)
}

func classify(typ string) Algorithm {
	t := strings.ToLower(typ)
	switch {
	case strings.Contains(t, "rsa"):
		return AlgoRSA
	case strings.Contains(t, "dsa"), strings.Contains(t, "dss"):
		return AlgoDSA
	default:
		return AlgoUnknown
	}
}

// estimateBits reproduces the historical blob-size heuristic.
func estimateBits(algo Algorithm, n int) int {
	var bits int
	switch algo {
	case AlgoRSA:
		bits = (n - 21) * 8
	case AlgoDSA:
		bits = ((n - 50) * 8) / 3
		if rem := bits % 64; rem > 32 {
			bits = bits - rem + 64
		} else {
			bits -= rem
		}
	default:
		// unreachable: unknown families are rejected before this point
		return 0
	}
	if bits < 0 {
		return 0
	}
	return bits
}

func decodeBlob(blob string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err == nil {
		return data, nil
	}
	if raw, rerr := base64.RawStdEncoding.DecodeString(strings.TrimRight(blob, "=")); rerr == nil {
		return raw, nil
	}
	return nil, err
}

// toUTF8 returns s unchanged when it is valid UTF-8 and otherwise treats it
// as Latin-1. Conversion never fails; on error the result is empty.
func toUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	out, err := charmap.ISO8859_1.NewDecoder().String(s)
	if err != nil {
		return ""
	}
	return out
}
