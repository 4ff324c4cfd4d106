// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package keygen

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/toeirei/sshkeyring/internal/sshkey"
)

// minRSABits is the smallest RSA key Native will generate.
const minRSABits = 2048

// Native generates and inspects keys with golang.org/x/crypto/ssh. It only
// generates and re-encrypts RSA keys; DSA needs the ssh-keygen backend.
type Native struct{}

// Generate creates an RSA key pair. Unencrypted keys are written as PKCS#1
// PEM; keys with a passphrase use the OpenSSH format.
func (Native) Generate(ctx context.Context, req Request) (Pair, error) {
	req = req.normalized()
	if req.Algorithm != AlgoRSA {
		return Pair{}, fmt.Errorf("%w: native backend cannot generate %s keys", ErrUnsupportedAlgorithm, req.Algorithm)
	}
	if req.Bits < minRSABits {
		return Pair{}, fmt.Errorf("rsa keys must be at least %d bits, got %d", minRSABits, req.Bits)
	}
	if err := ctx.Err(); err != nil {
		return Pair{}, err
	}

	key, err := rsa.GenerateKey(rand.Reader, req.Bits)
	if err != nil {
		return Pair{}, fmt.Errorf("failed to generate rsa key pair: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return Pair{}, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPubKey)))
	if c := strings.TrimSpace(req.Comment); c != "" {
		line += " " + c
	}

	var block *pem.Block
	if len(req.Passphrase) == 0 {
		block = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(key, req.Comment, req.Passphrase)
		if err != nil {
			return Pair{}, fmt.Errorf("failed to marshal private key: %w", err)
		}
	}

	return Pair{PublicLine: line, PrivatePEM: pem.EncodeToMemory(block)}, nil
}

// DerivePublic parses the private key and returns its public half in
// authorized_keys format.
func (Native) DerivePublic(ctx context.Context, privatePEM []byte, passphrase []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	raw, err := parseRaw(privatePEM, passphrase)
	if err != nil {
		return "", err
	}
	signer, err := ssh.NewSignerFromKey(raw)
	if err != nil {
		return "", fmt.Errorf("unsupported private key: %w", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}

// ChangePassphrase re-encrypts the RSA private key file at path. An empty
// newPass stores the key unencrypted as PKCS#1 PEM. The comment of the .pub
// sibling, if there is one, is kept in the OpenSSH format.
func (Native) ChangePassphrase(ctx context.Context, path string, oldPass, newPass []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- key file chosen by the caller
	if err != nil {
		return &sshkey.FileError{Op: "read", Path: path, Err: err}
	}
	raw, err := parseRaw(data, oldPass)
	if err != nil {
		return err
	}
	key, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("%w: native backend cannot rewrite %T", ErrUnsupportedAlgorithm, raw)
	}

	var block *pem.Block
	if len(newPass) == 0 {
		block = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(key, pubComment(path+".pub"), newPass)
		if err != nil {
			return fmt.Errorf("failed to marshal private key: %w", err)
		}
	}
	return sshkey.WritePrivate(path, pem.EncodeToMemory(block))
}

func parseRaw(privatePEM, passphrase []byte) (any, error) {
	var raw any
	var err error
	if len(passphrase) == 0 {
		raw, err = ssh.ParseRawPrivateKey(privatePEM)
	} else {
		raw, err = ssh.ParseRawPrivateKeyWithPassphrase(privatePEM, passphrase)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) || errors.Is(err, x509.IncorrectPasswordError) {
			return nil, fmt.Errorf("%w: %v", ErrPassphraseRequired, err)
		}
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return raw, nil
}

// pubComment returns the comment of the public key file at path, or "".
func pubComment(path string) string {
	data, err := os.ReadFile(path) // #nosec G304 -- sibling of a key file
	if err != nil {
		return ""
	}
	_, comment, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return ""
	}
	return comment
}
