package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

func newWorkerCmd() *cobra.Command {
	var assignmentPath string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Runs a single worker assignment",
		Long: `Runs one worker over the geo-units of an assignment read as JSON from a file
or from stdin ("-"). Completion is reported through the exit code only.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			a, err := readAssignment(cmd, assignmentPath)
			if err != nil {
				return &exitError{code: 2, msg: err.Error()}
			}
			w, err := appInstance.Worker()
			if err != nil {
				return err
			}
			res, runErr := w.Run(cmd.Context(), a)
			if err := writeJSON(cmd, summarizeWorker(res, runErr)); err != nil {
				appInstance.Logger().Warn("write summary failed", zap.Error(err))
			}
			if runErr != nil {
				return &exitError{code: 1, msg: fmt.Sprintf("worker %d: %v", a.WorkerID, runErr)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&assignmentPath, "assignment", "-", "assignment JSON file, or - for stdin")
	return cmd
}

func readAssignment(cmd *cobra.Command, path string) (ingest.Assignment, error) {
	var r io.Reader
	if path == "" || path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return ingest.Assignment{}, fmt.Errorf("open assignment: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	var a ingest.Assignment
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return ingest.Assignment{}, fmt.Errorf("decode assignment: %w", err)
	}
	if len(a.GeoUnits) == 0 {
		return ingest.Assignment{}, errors.New("assignment has no geo_units")
	}
	return a, nil
}
