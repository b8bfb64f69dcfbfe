package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWorkerCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queued tasks and the periodic ones until interrupted",
		Long: `Run queued tasks (index updates, upload cleaning) until interrupted.
With the memory backend only tasks submitted by this process are seen; use
the redis backend to share a queue between the application and workers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, ctx, err := openServices(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer svc.Close()
			logger := log.Ctx(ctx).With().Str("state", "worker").Logger()
			if svc.Tasks.Eager() {
				logger.Warn().Msg("tasks are configured eager, the worker will only run periodic tasks")
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return svc.Tasks.Run(ctx) })
			g.Go(func() error {
				svc.Tasks.RunPeriodic(ctx, svc.Periodic()...)
				return nil
			})
			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(svc.Metrics.Registry(), promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				g.Go(func() error {
					logger.Info().Str("addr", metricsAddr).Msg("metrics server started")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}
			logger.Info().Msg("worker started")
			err = g.Wait()
			logger.Info().Msg("worker stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9100)")
	return cmd
}
