package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"echo-chat/go-engine/internal/domains/contracts"
)

type rootOptions struct {
	configPath string
	transport  string
	localUser  string
	logLevel   string
	logFormat  string
	outputJSON bool
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var engineErr *contracts.EngineError
		if errors.As(err, &engineErr) && engineErr.Kind.Retryable() {
			_, _ = fmt.Fprintln(os.Stderr, "the ledger could not be reached; retry the command")
		}
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "echo",
		Short:         "Contacts and conversations on the echo chat ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file path (optional).")
	cmd.PersistentFlags().StringVar(&opts.transport, "transport", "", "Ledger transport override: ethereum | memory.")
	cmd.PersistentFlags().StringVar(&opts.localUser, "local-user", "", "Local identity override (hex address).")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Logging level: debug|info|warn|error.")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Logging format: text|json.")
	cmd.PersistentFlags().BoolVar(&opts.outputJSON, "json", false, "Print results as JSON.")

	cmd.AddCommand(newDirectoryCmd(opts))
	cmd.AddCommand(newThreadCmd(opts))
	cmd.AddCommand(newSendCmd(opts))
	cmd.AddCommand(newFriendCmd(opts))
	cmd.AddCommand(newRelationshipCmd(opts, "block <target>", "Block an identity", "block"))
	cmd.AddCommand(newRelationshipCmd(opts, "unblock <target>", "Unblock an identity", "unblock"))
	cmd.AddCommand(newRelationshipCmd(opts, "remove-sender <target>", "Remove a direct-message sender", "remove-direct-sender"))
	cmd.AddCommand(newRegisterCmd(opts))
	cmd.AddCommand(newProfileCmd(opts))
	cmd.AddCommand(newStatsCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	cmd.AddCommand(newDoctorCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}
