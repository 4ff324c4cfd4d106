// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package keygen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/toeirei/sshkeyring/internal/logging"
)

// Runner executes a command with extra environment variables and returns its
// standard output. The default runner uses os/exec; tests substitute their
// own.
type Runner func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)

// ExecRunner runs the command with os/exec and folds stderr into the error.
// Standard input is empty, so ssh-keygen never reads a passphrase from it.
func ExecRunner(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 -- binary comes from configuration
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Environment passed to ssh-keygen and the askpass helper.
const (
	envPassphrase    = "SSHKEYRING_PASSPHRASE"
	envNewPassphrase = "SSHKEYRING_NEW_PASSPHRASE"
)

// askpassScript answers ssh-keygen's passphrase prompts. Prompts for a new
// passphrase get envNewPassphrase, every other prompt gets envPassphrase.
const askpassScript = `#!/bin/sh
case "$1" in
*"empty for no passphrase"*|*"same passphrase again"*|"Enter new passphrase"*)
	printf '%s\n' "$` + envNewPassphrase + `" ;;
*)
	printf '%s\n' "$` + envPassphrase + `" ;;
esac
`

// SSHKeygen drives the ssh-keygen binary. Passphrases never appear on its
// command line: they reach ssh-keygen through an SSH_ASKPASS helper that
// reads them from the environment of the child process.
//
// DerivePublic and ChangePassphrase handle the key natively when
// golang.org/x/crypto/ssh can, and only run ssh-keygen for the rest.
type SSHKeygen struct {
	// Path is the ssh-keygen binary; empty means "ssh-keygen" from PATH.
	Path string
	// Run executes commands; nil means ExecRunner.
	Run Runner
}

func (k *SSHKeygen) run(ctx context.Context, env []string, args ...string) ([]byte, error) {
	bin := k.Path
	if bin == "" {
		bin = "ssh-keygen"
	}
	run := k.Run
	if run == nil {
		run = ExecRunner
	}
	logging.Debugf("running %s %s", bin, strings.Join(args, " "))
	return run(ctx, env, bin, args...)
}

// askpass writes the helper script into dir and returns the environment that
// makes ssh-keygen use it.
func askpass(dir string, oldPass, newPass []byte) ([]string, error) {
	script := filepath.Join(dir, "askpass")
	if err := os.WriteFile(script, []byte(askpassScript), 0o700); err != nil { // #nosec G306 -- helper must be executable
		return nil, fmt.Errorf("writing askpass helper: %w", err)
	}
	return []string{
		"SSH_ASKPASS=" + script,
		"SSH_ASKPASS_REQUIRE=force",
		envPassphrase + "=" + string(oldPass),
		envNewPassphrase + "=" + string(newPass),
	}, nil
}

// Generate runs ssh-keygen into a scratch directory and reads the pair back.
func (k *SSHKeygen) Generate(ctx context.Context, req Request) (Pair, error) {
	req = req.normalized()
	if req.Algorithm != AlgoRSA && req.Algorithm != AlgoDSA {
		return Pair{}, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, req.Algorithm)
	}

	dir, err := os.MkdirTemp("", "sshkeyring-gen-")
	if err != nil {
		return Pair{}, err
	}
	defer func() { _ = os.RemoveAll(dir) }()
	keyPath := filepath.Join(dir, "key")

	env, err := askpass(dir, nil, req.Passphrase)
	if err != nil {
		return Pair{}, err
	}
	args := []string{
		"-q",
		"-t", req.Algorithm,
		"-b", strconv.Itoa(req.Bits),
		"-C", req.Comment,
		"-f", keyPath,
	}
	if _, err := k.run(ctx, env, args...); err != nil {
		return Pair{}, fmt.Errorf("ssh-keygen failed to generate key: %w", err)
	}

	priv, err := os.ReadFile(keyPath) // #nosec G304 -- scratch file created above
	if err != nil {
		return Pair{}, fmt.Errorf("reading generated private key: %w", err)
	}
	pub, err := os.ReadFile(keyPath + ".pub") // #nosec G304 -- scratch file created above
	if err != nil {
		return Pair{}, fmt.Errorf("reading generated public key: %w", err)
	}
	return Pair{PublicLine: strings.TrimSpace(string(pub)), PrivatePEM: priv}, nil
}

// nativeFinal reports whether err from the native backend is final, so
// ssh-keygen must not be tried.
func nativeFinal(err error) bool {
	return err == nil ||
		errors.Is(err, ErrPassphraseRequired) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// DerivePublic returns the public half of a private key. Keys the native
// parser cannot read are written to a private scratch file and handed to
// "ssh-keygen -y".
func (k *SSHKeygen) DerivePublic(ctx context.Context, privatePEM []byte, passphrase []byte) (string, error) {
	line, err := Native{}.DerivePublic(ctx, privatePEM, passphrase)
	if nativeFinal(err) {
		return line, err
	}
	logging.Debugf("native key parsing failed, trying ssh-keygen: %v", err)

	dir, err := os.MkdirTemp("", "sshkeyring-derive-")
	if err != nil {
		return "", err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	keyPath := filepath.Join(dir, "key")
	if err := os.WriteFile(keyPath, privatePEM, 0o600); err != nil {
		return "", err
	}
	env, err := askpass(dir, passphrase, nil)
	if err != nil {
		return "", err
	}

	out, err := k.run(ctx, env, "-y", "-f", keyPath)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "passphrase") {
			return "", fmt.Errorf("%w: %v", ErrPassphraseRequired, err)
		}
		return "", fmt.Errorf("ssh-keygen failed to read private key: %w", err)
	}
	line = strings.TrimSpace(string(out))
	if line == "" {
		return "", fmt.Errorf("ssh-keygen returned no public key")
	}
	return line, nil
}

// ChangePassphrase re-encrypts the private key file at path in place. Key
// types the native backend cannot write go through "ssh-keygen -p".
func (k *SSHKeygen) ChangePassphrase(ctx context.Context, path string, oldPass, newPass []byte) error {
	err := Native{}.ChangePassphrase(ctx, path, oldPass, newPass)
	if nativeFinal(err) {
		return err
	}
	logging.Debugf("native passphrase change failed, trying ssh-keygen: %v", err)

	dir, err := os.MkdirTemp("", "sshkeyring-passwd-")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(dir) }()
	env, err := askpass(dir, oldPass, newPass)
	if err != nil {
		return err
	}

	if _, err := k.run(ctx, env, "-p", "-f", path); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "incorrect passphrase") {
			return fmt.Errorf("%w: %v", ErrPassphraseRequired, err)
		}
		return fmt.Errorf("ssh-keygen failed to change passphrase: %w", err)
	}
	return nil
}
