package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var withMonitor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the operator API and runs the alert monitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			logger := appInstance.Logger()
			cfg := appInstance.Config()

			mon, err := appInstance.Monitor(cmd.Context())
			if err != nil {
				return err
			}
			srv := appInstance.HTTPServer(mon)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				logger.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			if withMonitor {
				g.Go(func() error {
					if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						return fmt.Errorf("monitor: %w", err)
					}
					return nil
				})
			}
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
				defer cancel()
				logger.Info("shutting down http server")
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("http shutdown: %w", err)
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withMonitor, "monitor", true, "run the alert monitor loop alongside the API")
	return cmd
}
