// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/toeirei/sshkeyring/internal/keystore"
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print key changes as they happen in the SSH directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			delay, err := a.cfg.DebounceDuration()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			unsubscribe := a.store.Subscribe(func(ev keystore.Event) {
				fmt.Fprintf(out, "%-8s %s %s\n", ev.Kind, ev.Entity.Identifier(), ev.Location)
			})
			defer unsubscribe()

			if err := a.load(ctx); err != nil {
				return err
			}
			return keystore.NewWatcher(a.store, delay).Run(ctx)
		},
	}
}
