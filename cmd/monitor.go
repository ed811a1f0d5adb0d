package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

func newMonitorCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Evaluates alert conditions on an interval",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			mon, err := appInstance.Monitor(cmd.Context())
			if err != nil {
				return err
			}
			if once {
				created, err := mon.RunOnce(cmd.Context())
				if created == nil {
					created = []ingest.Alert{}
				}
				if werr := writeJSON(cmd, created); werr != nil {
					appInstance.Logger().Warn("write alerts failed", zap.Error(werr))
				}
				return err
			}
			if err := mon.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			appInstance.Logger().Info("monitor stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single evaluation pass and print the alerts it raised")
	return cmd
}
