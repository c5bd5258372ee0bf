package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"echo-chat/go-engine/pkg/models"
)

func newThreadCmd(opts *rootOptions) *cobra.Command {
	var channelFlag string
	cmd := &cobra.Command{
		Use:   "thread <target>",
		Short: "Show the conversation with an address or @username",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var channel models.ChannelKind
			if strings.TrimSpace(channelFlag) != "" {
				parsed, err := models.ParseChannelKind(channelFlag)
				if err != nil {
					return fmt.Errorf("%w: %q", err, channelFlag)
				}
				channel = parsed
			}
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				used, messages, err := rt.engine.LoadThread(ctx, args[0], channel)
				if err != nil {
					return err
				}
				if opts.outputJSON {
					return writeJSON(cmd.OutOrStdout(), struct {
						Channel  models.ChannelKind `json:"channel"`
						Messages []models.Message   `json:"messages"`
					}{used, messages})
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "channel: %s\n", used)
				return writeMessages(cmd.OutOrStdout(), rt.engine.Local(), messages)
			})
		},
	}
	cmd.Flags().StringVar(&channelFlag, "channel", "", "Channel: friend|direct (defaults to the current relationship)")
	return cmd
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <target> <message...>",
		Short: "Send a message; friends get the friend channel, everyone else the direct channel",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := strings.Join(args[1:], " ")
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				pending, err := rt.engine.SendMessage(ctx, args[0], body)
				if err != nil {
					return err
				}
				if !opts.outputJSON {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "submitting on the %s channel...\n", pending.Key().Channel)
				}
				confirmed, err := pending.Wait(ctx)
				if err != nil {
					return err
				}
				if opts.outputJSON {
					return writeJSON(cmd.OutOrStdout(), confirmed)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sent (%s)\n", messageState(confirmed))
				return nil
			})
		},
	}
}
