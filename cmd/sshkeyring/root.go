// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/toeirei/sshkeyring/buildvars"
	"github.com/toeirei/sshkeyring/internal/config"
	"github.com/toeirei/sshkeyring/internal/keystore"
	"github.com/toeirei/sshkeyring/internal/logging"
	"github.com/toeirei/sshkeyring/internal/security"
)

// app carries what the commands share once the configuration is loaded.
type app struct {
	cfg   config.Config
	store *keystore.Store
	// prompt asks for a passphrase; replaced in tests.
	prompt func(label string) (security.Secret, error)
}

func newApp() *app {
	return &app{prompt: promptPassphrase}
}

// setup loads the configuration and builds the key store.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	explicit, err := getConfigPathFromCli(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cmd, explicit)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := logging.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logging.SetDebug(true)
	}
	a.cfg = cfg
	a.store = keystore.New(keystore.Options{
		Dir:            cfg.SSH.Dir,
		AuthorizedKeys: cfg.SSH.AuthorizedKeys,
		OtherKeys:      cfg.SSH.OtherKeys,
	})
	logging.Debugf("using ssh directory %s", cfg.SSH.Dir)
	return nil
}

// load runs one load pass and logs per-source warnings.
func (a *app) load(ctx context.Context) error {
	res, err := a.store.Load(ctx)
	if err != nil {
		return err
	}
	if res.Warnings != nil {
		logging.Warnf("some keys could not be read: %v", res.Warnings)
	}
	return nil
}

// resolve finds an entity by location, fingerprint or short identifier.
func (a *app) resolve(ref string) (keystore.Entity, error) {
	if ent, ok := a.store.Lookup(ref); ok {
		return ent, nil
	}
	if ent, ok := a.store.FindByFingerprint(strings.ToLower(ref)); ok {
		return ent, nil
	}

	var matches []keystore.Entity
	for _, ent := range a.store.Entities() {
		if strings.EqualFold(ent.Identifier(), ref) {
			matches = append(matches, ent)
		}
	}
	switch len(matches) {
	case 0:
		return keystore.Entity{}, fmt.Errorf("%w: %s", keystore.ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return keystore.Entity{}, fmt.Errorf("%s matches %d keys; use the location instead", ref, len(matches))
	}
}

func getConfigPathFromCli(cmd *cobra.Command) (*string, error) {
	f := cmd.Flags().Lookup("config")
	if f == nil || !f.Changed || f.Value.String() == "" {
		return nil, nil
	}
	path := f.Value.String()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
	}
	return &path, nil
}

func promptPassphrase(label string) (security.Secret, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("a passphrase is required but stdin is not a terminal")
	}
	if label != "" {
		fmt.Fprintf(os.Stderr, "Passphrase for %s: ", label)
	} else {
		fmt.Fprint(os.Stderr, "Passphrase: ")
	}
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("could not read passphrase: %w", err)
	}
	return security.Secret(pass), nil
}

// newRootCmd creates the root command with all subcommands. Tests build a
// fresh one per run.
func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sshkeyring",
		Short: "Manage the SSH keys in your ~/.ssh directory",
		Long: `sshkeyring shows every SSH key found in your SSH directory: key pairs,
keys in authorized_keys, and keys you know but have not authorized.
Keys can be renamed, authorized, imported, exported and generated.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	v, c, d := resolveBuildVersion(nil)
	compositeVersion := v
	if c != "" && c != "dev" {
		compositeVersion += " (" + c + ")"
	}
	if d != "" {
		compositeVersion += " built: " + d
	}
	cmd.Version = compositeVersion

	cmd.PersistentFlags().String("config", "", "config file")
	cmd.PersistentFlags().String("ssh-dir", "", "SSH directory (default ~/.ssh)")
	cmd.PersistentFlags().String("log-level", "", `log level ("debug", "info", "warn", "error")`)
	cmd.PersistentFlags().BoolP("verbose", "v", false, "shorthand for --log-level debug")

	cmd.AddCommand(
		newListCmd(a),
		newWatchCmd(a),
		newRenameCmd(a),
		newAuthorizeCmd(a, true),
		newAuthorizeCmd(a, false),
		newDeleteCmd(a),
		newImportCmd(a),
		newExportCmd(a),
		newGenerateCmd(a),
		newPassphraseCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		// no configuration needed
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			v, c, d := resolveBuildVersion(nil)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version: %s\n", v)
			fmt.Fprintf(out, "commit: %s\n", c)
			if d != "" {
				fmt.Fprintf(out, "built: %s\n", d)
			}
		},
	}
}

// resolveBuildVersion computes the best-available version, commit and build
// date for the running binary. If info is nil, it reads build info from the
// runtime.
func resolveBuildVersion(info *debug.BuildInfo) (versionOut, commitOut, dateOut string) {
	resolvedVersion := buildvars.VersionOrDefault("dev")
	resolvedCommit := buildvars.Commit
	resolvedDate := buildvars.Date

	if info == nil {
		if local, ok := debug.ReadBuildInfo(); ok {
			info = local
		}
	}

	if info != nil {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			resolvedVersion = info.Main.Version
		}
		if resolvedVersion == "dev" || resolvedVersion == "(devel)" {
			for _, dep := range info.Deps {
				if dep.Path == "github.com/toeirei/sshkeyring" && dep.Version != "" {
					resolvedVersion = dep.Version
					break
				}
			}
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if s.Value != "" {
					resolvedCommit = s.Value
				}
			case "vcs.time":
				if s.Value != "" {
					resolvedDate = s.Value
				}
			}
		}
	}

	if resolvedVersion == "dev" && buildvars.Commit != "dev" && buildvars.Commit != "" {
		resolvedVersion = buildvars.Commit
	}
	return resolvedVersion, resolvedCommit, resolvedDate
}
