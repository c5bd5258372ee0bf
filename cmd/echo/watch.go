package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/internal/domains/directory"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var interval time.Duration
	var listen string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Rebuild the directory on a timer and serve metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return errors.New("--interval must be positive")
			}
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				addr := strings.TrimSpace(listen)
				if addr == "" {
					addr = rt.cfg.Metrics.ListenAddress
				}
				errCh := make(chan error, 1)
				if addr != "" {
					srv := &http.Server{
						Addr:              addr,
						Handler:           newWatchRouter(rt),
						ReadHeaderTimeout: 5 * time.Second,
					}
					go func() {
						if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
							errCh <- err
						}
					}()
					defer func() {
						shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						_ = srv.Shutdown(shutdownCtx)
					}()
					rt.logger.Info("metrics server listening",
						"component", "cli",
						"operation", "cli.watch",
						"correlation_id", "watch",
						"addr", addr,
					)
				}
				return watchLoop(ctx, cmd, rt, interval, errCh)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "Refresh interval")
	cmd.Flags().StringVar(&listen, "listen", "", "Metrics listen address (defaults to metrics.listenAddress)")
	return cmd
}

func watchLoop(ctx context.Context, cmd *cobra.Command, rt *runtime, interval time.Duration, errCh <-chan error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		contacts, err := rt.engine.BuildDirectory(ctx)
		switch {
		case err == nil:
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s directory refreshed: %d contacts\n", time.Now().Format(time.TimeOnly), len(contacts))
		case contracts.KindOf(err) == contracts.KindSuperseded:
		default:
			// refresh failures are reported, never retried before the next tick
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s directory refresh failed: %v\n", time.Now().Format(time.TimeOnly), err)
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return fmt.Errorf("metrics server: %w", err)
		case <-ticker.C:
		}
	}
}

func newWatchRouter(rt *runtime) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/directory", func(w http.ResponseWriter, r *http.Request) {
		predicate, err := directory.ParsePredicate(r.URL.Query().Get("filter"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, rt.engine.FilterDirectory(predicate, r.URL.Query().Get("q")))
	})
	r.Get("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, rt.engine.Metrics())
	})
	return r
}
