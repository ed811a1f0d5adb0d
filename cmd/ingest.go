package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/property-pipeline/internal/coordinator"
	"github.com/JakeFAU/property-pipeline/internal/ingest"
	"github.com/JakeFAU/property-pipeline/internal/worker"
)

func newIngestCmd() *cobra.Command {
	var (
		workers   int
		providers []string
		geoUnits  []string
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Runs one coordinated ingestion across all configured geo-units",
		Long: `Partitions the configured geo-units into contiguous shards, runs one worker
per shard and waits for all of them. The process exits nonzero when any shard
failed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()

			units, err := cfg.ParsedGeoUnits()
			if err != nil {
				return err
			}
			if len(geoUnits) > 0 {
				units = units[:0]
				for _, raw := range geoUnits {
					g, err := ingest.ParseGeoUnit(raw)
					if err != nil {
						return fmt.Errorf("--geo: %w", err)
					}
					units = append(units, g)
				}
			}
			if workers <= 0 {
				workers = cfg.Ingest.Workers
			}
			if len(providers) == 0 {
				providers = cfg.ProviderNames()
			}

			coord, err := appInstance.Coordinator()
			if err != nil {
				return err
			}
			agg, err := coord.Run(cmd.Context(), units, workers, providers)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd, summarizeRun(agg)); err != nil {
				appInstance.Logger().Warn("write summary failed", zap.Error(err))
			}
			if code := agg.ExitCode(); code != 0 {
				return &exitError{code: code, msg: fmt.Sprintf("%d of %d shards failed", agg.Failed, agg.Started)}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "number of shards (default ingest.workers)")
	cmd.Flags().StringSliceVar(&providers, "providers", nil, "providers to rotate across shards (default all configured)")
	cmd.Flags().StringSliceVar(&geoUnits, "geo", nil, "geo-units to ingest instead of geo_units (\"94110\" or \"Austin,TX\")")
	return cmd
}

type unitSummary struct {
	Geo            string           `json:"geo"`
	ImportRunID    string           `json:"import_run_id,omitempty"`
	Status         ingest.RunStatus `json:"status"`
	Pages          int              `json:"pages"`
	Requested      int              `json:"requested"`
	Inserted       int              `json:"inserted"`
	Updated        int              `json:"updated"`
	Unchanged      int              `json:"unchanged"`
	SkippedNoPhoto int              `json:"skipped_no_photo"`
	Errored        int              `json:"errored"`
	Relayed        int              `json:"relayed"`
	RateLimited    bool             `json:"rate_limited"`
	Stale          int64            `json:"stale"`
	Error          string           `json:"error,omitempty"`
}

type workerSummary struct {
	WorkerID  int           `json:"worker_id"`
	Provider  string        `json:"provider"`
	Requested int           `json:"requested"`
	Imported  int           `json:"imported"`
	Units     []unitSummary `json:"units"`
	Error     string        `json:"error,omitempty"`
}

type runSummary struct {
	RunID     string          `json:"run_id"`
	Started   int             `json:"started"`
	Completed int             `json:"completed"`
	Failed    int             `json:"failed"`
	Shards    []workerSummary `json:"shards"`
}

func summarizeWorker(r worker.Result, err error) workerSummary {
	out := workerSummary{
		WorkerID:  r.WorkerID,
		Provider:  r.Provider,
		Requested: r.Requested(),
		Imported:  r.Imported(),
		Units:     make([]unitSummary, 0, len(r.Units)),
		Error:     errString(err),
	}
	for _, u := range r.Units {
		out.Units = append(out.Units, unitSummary{
			Geo:            u.Geo.String(),
			ImportRunID:    u.ImportRunID,
			Status:         u.Status,
			Pages:          u.Pages,
			Requested:      u.Requested,
			Inserted:       u.Inserted,
			Updated:        u.Updated,
			Unchanged:      u.Unchanged,
			SkippedNoPhoto: u.SkippedNoPhoto,
			Errored:        u.Errored,
			Relayed:        u.Relayed,
			RateLimited:    u.RateLimited,
			Stale:          u.Stale,
			Error:          errString(u.Err),
		})
	}
	return out
}

func summarizeRun(agg coordinator.AggregateResult) runSummary {
	out := runSummary{
		RunID:     agg.RunID,
		Started:   agg.Started,
		Completed: agg.Completed,
		Failed:    agg.Failed,
		Shards:    make([]workerSummary, 0, len(agg.Shards)),
	}
	for _, o := range agg.Shards {
		ws := summarizeWorker(o.Result, o.Err)
		ws.WorkerID = o.ShardID
		ws.Provider = o.Provider
		out.Shards = append(out.Shards, ws)
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
