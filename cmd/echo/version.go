package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "echo version=%s commit=%s build_date=%s\n",
				strings.TrimSpace(version), strings.TrimSpace(commit), strings.TrimSpace(buildDate))
			return nil
		},
	}
}
