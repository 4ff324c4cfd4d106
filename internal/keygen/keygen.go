// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package keygen creates SSH key pairs and recovers public keys from private
// key material, either natively or by running ssh-keygen.
package keygen

import (
	"context"
	"errors"
	"strings"

	"github.com/toeirei/sshkeyring/internal/security"
)

var (
	// ErrPassphraseRequired is returned when the private key is encrypted and
	// no (or a wrong) passphrase was given.
	ErrPassphraseRequired = errors.New("passphrase required")
	// ErrUnsupportedAlgorithm is returned for key types a backend cannot make.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
)

// Algorithm names accepted in a Request.
const (
	AlgoRSA = "rsa"
	AlgoDSA = "dsa"
)

// DefaultBits is used when a Request leaves Bits at zero.
var DefaultBits = map[string]int{
	AlgoRSA: 3072,
	AlgoDSA: 1024,
}

// Request describes a key pair to generate.
type Request struct {
	Algorithm  string
	Bits       int
	Comment    string
	Passphrase security.Secret
}

func (r Request) normalized() Request {
	r.Algorithm = strings.ToLower(strings.TrimSpace(r.Algorithm))
	if r.Algorithm == "" {
		r.Algorithm = AlgoRSA
	}
	if r.Bits == 0 {
		r.Bits = DefaultBits[r.Algorithm]
	}
	return r
}

// Pair is a freshly generated key pair.
type Pair struct {
	// PublicLine is the key in authorized_keys format, without trailing newline.
	PublicLine string
	// PrivatePEM is the private key file content.
	PrivatePEM []byte
}

// Generator creates key pairs.
type Generator interface {
	Generate(ctx context.Context, req Request) (Pair, error)
}

// PublicKeyDeriver turns private key material into an OpenSSH public key line.
type PublicKeyDeriver interface {
	DerivePublic(ctx context.Context, privatePEM []byte, passphrase []byte) (string, error)
}

// Backend is a complete key generation backend.
type Backend interface {
	Generator
	PublicKeyDeriver
}

// NewBackend returns the backend named by name ("native" or "ssh-keygen").
// path is the ssh-keygen binary and is ignored by the native backend.
func NewBackend(name, path string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "native":
		return Native{}, nil
	case "ssh-keygen":
		return &SSHKeygen{Path: path}, nil
	default:
		return nil, errors.New("unknown keygen backend " + name)
	}
}
