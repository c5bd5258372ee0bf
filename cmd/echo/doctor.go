package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"echo-chat/go-engine/internal/doctor"
)

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the ledger, local account and cache are usable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				report := doctor.New().Run(ctx, doctor.Input{
					Ledger:      rt.ledger,
					Local:       rt.local,
					CachePath:   rt.cfg.Cache.Path,
					MetricsAddr: rt.cfg.Metrics.ListenAddress,
				})
				if opts.outputJSON {
					if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
						return err
					}
				} else {
					out := cmd.OutOrStdout()
					for _, c := range report.Checks {
						status := "ok"
						if !c.Pass {
							status = "FAIL"
						}
						if c.Reason != "" {
							_, _ = fmt.Fprintf(out, "%-4s %s: %s\n", status, c.Name, c.Reason)
						} else {
							_, _ = fmt.Fprintf(out, "%-4s %s\n", status, c.Name)
						}
					}
				}
				if !report.Ready {
					return errors.New("not ready")
				}
				return nil
			})
		},
	}
}
