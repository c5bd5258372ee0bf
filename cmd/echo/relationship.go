package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"echo-chat/go-engine/internal/domains/relationship"
)

func newFriendCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "friend",
		Short: "Manage friends",
	}
	var nickname string
	add := &cobra.Command{
		Use:   "add <target>",
		Short: "Add a registered identity as friend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyAction(cmd, opts, relationship.ActionAddFriend, args[0], nickname)
		},
	}
	add.Flags().StringVar(&nickname, "nickname", "", "Nickname stored with the friend (defaults to their username)")
	cmd.AddCommand(add)
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <target>",
		Short: "Remove a friend (not supported by the ledger; block instead)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyAction(cmd, opts, relationship.ActionUnfriend, args[0], "")
		},
	})
	return cmd
}

func newRelationshipCmd(opts *rootOptions, use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := relationship.ParseActionKind(action)
			if err != nil {
				return err
			}
			return applyAction(cmd, opts, kind, args[0], "")
		},
	}
}

func applyAction(cmd *cobra.Command, opts *rootOptions, kind relationship.ActionKind, target, nickname string) error {
	return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
		if err := rt.engine.ApplyRelationshipAction(ctx, kind, target, nickname); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s confirmed\n", kind)
		return nil
	})
}
