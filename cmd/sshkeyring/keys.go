// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/toeirei/sshkeyring/internal/keygen"
	"github.com/toeirei/sshkeyring/internal/keystore"
)

// listEntry is the yaml shape of one key in "list --format yaml".
type listEntry struct {
	Location          string `yaml:"location"`
	Identifier        string `yaml:"id"`
	Algorithm         string `yaml:"algorithm"`
	Bits              int    `yaml:"bits"`
	Fingerprint       string `yaml:"fingerprint"`
	FingerprintSHA256 string `yaml:"fingerprint_sha256,omitempty"`
	Comment           string `yaml:"comment,omitempty"`
	Private           bool   `yaml:"private"`
	Authorized        bool   `yaml:"authorized"`
}

func toListEntry(ent keystore.Entity) listEntry {
	return listEntry{
		Location:          ent.Location,
		Identifier:        ent.Identifier(),
		Algorithm:         ent.Algorithm(),
		Bits:              ent.Record.Bits,
		Fingerprint:       ent.Fingerprint(),
		FingerprintSHA256: ent.Record.FingerprintSHA256,
		Comment:           ent.Record.Comment,
		Private:           ent.HasPrivate(),
		Authorized:        ent.Record.Authorized,
	}
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func renderTable(w io.Writer, ents []keystore.Entity) {
	rows := make([][]string, 0, len(ents))
	for _, ent := range ents {
		auth := ""
		if ent.Record.Authorized {
			auth = "yes"
		}
		kind := "public"
		if ent.HasPrivate() {
			kind = "pair"
		}
		rows = append(rows, []string{
			ent.Identifier(),
			ent.Algorithm(),
			strconv.Itoa(ent.Record.Bits),
			kind,
			auth,
			ent.Label(),
			ent.Location,
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "TYPE", "BITS", "KIND", "AUTH", "NAME", "LOCATION").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

func newListCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all SSH keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd.Context()); err != nil {
				return err
			}
			ents := a.store.Entities()
			out := cmd.OutOrStdout()

			switch format {
			case "table":
				if len(ents) == 0 {
					fmt.Fprintf(out, "No keys found in %s\n", a.store.Dir())
					return nil
				}
				renderTable(out, ents)
				return nil
			case "yaml":
				entries := make([]listEntry, 0, len(ents))
				for _, ent := range ents {
					entries = append(entries, toListEntry(ent))
				}
				data, err := yaml.Marshal(entries)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			default:
				return fmt.Errorf("unknown format %q (want table or yaml)", format)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table or yaml")
	return cmd
}

func newRenameCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <key> <name>",
		Short: "Change the comment of a key",
		Long:  "Change the comment of a key. <key> is a location, fingerprint or short id as shown by list.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd.Context()); err != nil {
				return err
			}
			ent, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			ent, err = a.store.Rename(ent.Location, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", ent.Identifier(), ent.Label())
			return nil
		},
	}
}

func newAuthorizeCmd(a *app, authorize bool) *cobra.Command {
	use, short, verb := "authorize <key>", "Allow a key to log in to this account", "Authorized"
	if !authorize {
		use, short, verb = "deauthorize <key>", "Stop a key from logging in to this account", "Deauthorized"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd.Context()); err != nil {
				return err
			}
			ent, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			ent, err = a.store.Authorize(ent.Location, authorize)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", verb, ent.Identifier(), ent.Label())
			return nil
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Long: `Delete a key. For a key pair both files are removed; authorized_keys is
left alone. For any other key its line is removed from the file it lives in.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd.Context()); err != nil {
				return err
			}
			ent, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			if err := a.store.Delete(ent.Location); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s (%s)\n", ent.Identifier(), ent.Label())
			return nil
		},
	}
}

func (a *app) backend() (keygen.Backend, error) {
	return keygen.NewBackend(a.cfg.Keygen.Backend, a.cfg.Keygen.Path)
}

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Import public and private keys from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if len(args) == 0 || args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0]) // #nosec G304 -- file named by the user
			}
			if err != nil {
				return err
			}

			if err := a.load(cmd.Context()); err != nil {
				return err
			}
			backend, err := a.backend()
			if err != nil {
				return err
			}

			ask := func(label string) ([]byte, error) { return a.prompt(label) }
			res, err := a.store.Import(cmd.Context(), string(data), backend, ask)
			out := cmd.OutOrStdout()
			for _, loc := range res.Public {
				fmt.Fprintf(out, "Imported public key %s\n", loc)
			}
			for _, loc := range res.Private {
				fmt.Fprintf(out, "Imported key pair %s\n", loc)
			}
			if err != nil {
				return err
			}
			if len(res.Public)+len(res.Private) == 0 {
				fmt.Fprintln(out, "No new keys found")
			}
			return nil
		},
	}
}

func newExportCmd(a *app) *cobra.Command {
	var private, compress bool
	var output string
	cmd := &cobra.Command{
		Use:   "export <key>...",
		Short: "Write keys to stdout or a file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd.Context()); err != nil {
				return err
			}
			locs := make([]string, 0, len(args))
			for _, ref := range args {
				ent, err := a.resolve(ref)
				if err != nil {
					return err
				}
				locs = append(locs, ent.Location)
			}

			var buf bytes.Buffer
			if err := a.store.Export(&buf, locs, private, compress); err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err := cmd.OutOrStdout().Write(buf.Bytes())
				return err
			}
			return os.WriteFile(output, buf.Bytes(), 0o600)
		},
	}
	cmd.Flags().BoolVar(&private, "private", false, "export private keys of key pairs")
	cmd.Flags().BoolVar(&compress, "zstd", false, "compress the output with zstd")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newGenerateCmd(a *app) *cobra.Command {
	var req keygen.Request
	var name string
	var ask bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Create a new key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd.Context()); err != nil {
				return err
			}
			backend, err := a.backend()
			if err != nil {
				return err
			}
			if ask {
				pass, err := a.prompt("the new key")
				if err != nil {
					return err
				}
				again, err := a.prompt("the new key (again)")
				if err != nil {
					return err
				}
				defer again.Zero()
				if !pass.Equal(again) {
					pass.Zero()
					return errors.New("passphrases do not match")
				}
				req.Passphrase = pass
				defer req.Passphrase.Zero()
			}

			ent, err := a.store.Generate(cmd.Context(), backend, name, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated %s key %s at %s\n", ent.Algorithm(), ent.Identifier(), ent.Location)
			return nil
		},
	}
	cmd.Flags().StringVarP(&req.Algorithm, "type", "t", keygen.AlgoRSA, "key type: rsa or dsa")
	cmd.Flags().IntVarP(&req.Bits, "bits", "b", 0, "key size (0 picks the default for the type)")
	cmd.Flags().StringVarP(&req.Comment, "comment", "C", "", "key comment")
	cmd.Flags().StringVarP(&name, "name", "n", "", "file name inside the SSH directory (default id_<type>)")
	cmd.Flags().BoolVarP(&ask, "passphrase", "p", false, "ask for a passphrase to encrypt the key")
	return cmd
}

func newPassphraseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "passphrase <key>",
		Short: "Change the passphrase of a private key",
		Long:  "Change the passphrase of a private key. Keys other than RSA are handed to ssh-keygen.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd.Context()); err != nil {
				return err
			}
			ent, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			if !ent.HasPrivate() {
				return fmt.Errorf("%s has no private key", ent.Location)
			}

			oldPass, err := a.prompt("the current key (empty if none)")
			if err != nil {
				return err
			}
			defer oldPass.Zero()
			newPass, err := a.prompt("the new passphrase")
			if err != nil {
				return err
			}
			defer newPass.Zero()

			kg := &keygen.SSHKeygen{Path: a.cfg.Keygen.Path}
			if err := kg.ChangePassphrase(cmd.Context(), ent.Record.PrivateFile, oldPass, newPass); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Changed passphrase of %s\n", ent.Location)
			return nil
		},
	}
}
