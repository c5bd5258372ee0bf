package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/internal/domains/directory"
)

func newDirectoryCmd(opts *rootOptions) *cobra.Command {
	var filter string
	var query string
	cmd := &cobra.Command{
		Use:     "directory",
		Aliases: []string{"contacts"},
		Short:   "List friends, direct-message senders and recent recipients",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			predicate, err := directory.ParsePredicate(filter)
			if err != nil {
				return fmt.Errorf("%w: %q", err, filter)
			}
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				contacts, err := rt.engine.BuildDirectory(ctx)
				if err != nil {
					if contracts.KindOf(err) != contracts.KindSuperseded && len(contacts) == 0 {
						return err
					}
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: directory is incomplete: %v\n", err)
				}
				if predicate != directory.PredicateAll || query != "" {
					contacts = rt.engine.FilterDirectory(predicate, query)
				}
				if opts.outputJSON {
					return writeJSON(cmd.OutOrStdout(), contacts)
				}
				return writeContacts(cmd.OutOrStdout(), contacts)
			})
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "all", "Filter: all|friends|blocked")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Case-insensitive match on name or address")
	return cmd
}
