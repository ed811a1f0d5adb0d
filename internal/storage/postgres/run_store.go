package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

// RunStore persists ImportRun rows in the import_runs table.
type RunStore struct {
	db DB
}

// NewRunStore wraps db.
func NewRunStore(db DB) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `id, run_id, provider, geo_unit, status, properties_requested,
	properties_imported, properties_failed, error, started_at, finished_at`

// CreateRun inserts a started run.
func (s *RunStore) CreateRun(ctx context.Context, run ingest.ImportRun) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO import_runs (`+runColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.RunID, run.Provider, run.GeoUnit, string(run.Status), run.Requested,
		run.Imported, run.Failed, run.Error, run.StartedAt, run.FinishedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("create import run %s: %w", run.ID, ingest.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create import run %s: %w", run.ID, err)
	}
	return nil
}

// CloseRun writes final counters unless the run is already completed or failed.
func (s *RunStore) CloseRun(ctx context.Context, run ingest.ImportRun) error {
	tag, err := s.db.Exec(ctx, `
UPDATE import_runs SET
	status = $2, properties_requested = $3, properties_imported = $4,
	properties_failed = $5, error = $6, finished_at = $7
WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		run.ID, string(run.Status), run.Requested, run.Imported, run.Failed, run.Error, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("close import run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRow(ctx, `SELECT status FROM import_runs WHERE id = $1`, run.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load import run %s: %w", run.ID, err)
	}
	return ingest.ErrRunClosed
}

// GetRun loads one run.
func (s *RunStore) GetRun(ctx context.Context, id string) (ingest.ImportRun, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM import_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.ImportRun{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.ImportRun{}, fmt.Errorf("get import run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs matching filter, newest first.
func (s *RunStore) ListRuns(ctx context.Context, filter ingest.RunFilter) ([]ingest.ImportRun, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, strings.Replace(clause, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if filter.Provider != "" {
		add("provider = ?", filter.Provider)
	}
	if filter.GeoUnit != "" {
		add("geo_unit = ?", filter.GeoUnit)
	}
	if !filter.Since.IsZero() {
		add("started_at >= ?", filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM import_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list import runs: %w", err)
	}
	defer rows.Close()

	var out []ingest.ImportRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan import run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate import runs: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (ingest.ImportRun, error) {
	var (
		run      ingest.ImportRun
		status   string
		finished *time.Time
	)
	err := row.Scan(
		&run.ID, &run.RunID, &run.Provider, &run.GeoUnit, &status, &run.Requested,
		&run.Imported, &run.Failed, &run.Error, &run.StartedAt, &finished,
	)
	if err != nil {
		return ingest.ImportRun{}, err
	}
	run.Status = ingest.RunStatus(status)
	run.FinishedAt = finished
	return run, nil
}
