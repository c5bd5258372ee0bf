package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"echo-chat/go-engine/internal/identity"
)

func newRegisterCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "register <username>",
		Short: "Create the ledger account of the local identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				if err := rt.engine.RegisterAccount(ctx, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", identity.Checksum(rt.engine.Local()))
				return nil
			})
		},
	}
}

func newProfileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Show the local identity and its account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				profile, err := rt.engine.Profile(ctx)
				if err != nil {
					return err
				}
				if opts.outputJSON {
					return writeJSON(cmd.OutOrStdout(), profile)
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "identity: %s\n", identity.Checksum(profile.Identity))
				if !profile.Registered {
					_, _ = fmt.Fprintln(out, "account: not registered")
					return nil
				}
				_, _ = fmt.Fprintf(out, "username: %s\n", profile.Username)
				_, _ = fmt.Fprintf(out, "registered: %s\n", formatTime(profile.AccountCreatedAt))
				return nil
			})
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ledger-wide user and message counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				stats, err := rt.engine.Stats(ctx)
				if err != nil {
					return err
				}
				if opts.outputJSON {
					return writeJSON(cmd.OutOrStdout(), stats)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "users: %d\nmessages: %d\n", stats.Users, stats.Messages)
				return nil
			})
		},
	}
}
