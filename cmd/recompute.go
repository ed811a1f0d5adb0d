package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute",
		Short: "Recomputes market analytics and property scores",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			svc, err := appInstance.AnalyticsService()
			if err != nil {
				return err
			}
			markets, err := svc.RecomputeMarkets(cmd.Context())
			if err != nil {
				return fmt.Errorf("recompute markets: %w", err)
			}
			props, err := svc.RecomputeProperties(cmd.Context())
			if err != nil {
				return fmt.Errorf("recompute properties: %w", err)
			}
			return writeJSON(cmd, map[string]int{
				"markets":    len(markets),
				"properties": len(props),
			})
		},
	}
}
