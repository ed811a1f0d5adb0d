// Package worker drives source adapters page by page for one assignment and
// feeds the canonical records into the sink.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
	"github.com/JakeFAU/property-pipeline/internal/metrics"
	"github.com/JakeFAU/property-pipeline/internal/sink"
)

// ErrFatalConfig marks an assignment that cannot run at all, such as an unknown
// provider or missing credentials.
var ErrFatalConfig = errors.New("fatal worker configuration")

const (
	defaultUnitConcurrency = 2
	defaultMaxPages        = 10
	defaultArchivePrefix   = "raw"
)

// AdapterFactory resolves the source adapter for a provider name.
type AdapterFactory interface {
	Adapter(provider string) (ingest.SourceAdapter, error)
}

// Upserter is the sink surface used by the worker.
type Upserter interface {
	Upsert(ctx context.Context, rec ingest.ListingRecord, images []string) (sink.Outcome, error)
	SweepStale(ctx context.Context, provider string, geo ingest.GeoUnit, cutoff time.Time) (int64, error)
}

// Pacer separates successive record-level side effects for one key.
type Pacer interface {
	Wait(ctx context.Context, key string) error
}

// Config controls Worker behavior.
type Config struct {
	// UnitConcurrency caps how many geo-units are fetched at once.
	UnitConcurrency int
	// MaxPages bounds pagination per unit when the assignment does not.
	MaxPages int
	// StaleAfter enables the off-market sweep after a fully paged unit.
	StaleAfter    time.Duration
	ArchivePrefix string
}

// Deps are the collaborators of a Worker. Photos, Relay and Blobs are optional.
type Deps struct {
	Adapters AdapterFactory
	Sink     Upserter
	Runs     ingest.ImportRunStore
	Photos   ingest.PhotoResolver
	Relay    ingest.Relay
	Blobs    ingest.BlobStore
	Pacer    Pacer
	Clock    ingest.Clock
	IDs      ingest.IDGenerator
}

// Worker executes assignments.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	if deps.Adapters == nil || deps.Sink == nil || deps.Runs == nil || deps.Pacer == nil || deps.Clock == nil || deps.IDs == nil {
		return nil, errors.New("worker requires adapters, sink, runs, pacer, clock and ids")
	}
	if cfg.UnitConcurrency <= 0 {
		cfg.UnitConcurrency = defaultUnitConcurrency
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = defaultArchivePrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger.Named("worker")}, nil
}

// UnitResult is the outcome of one geo-unit.
type UnitResult struct {
	Geo            ingest.GeoUnit
	ImportRunID    string
	Status         ingest.RunStatus
	Pages          int
	Requested      int
	Inserted       int
	Updated        int
	Unchanged      int
	SkippedNoPhoto int
	Errored        int
	Relayed        int
	RateLimited    bool
	Stale          int64
	Err            error
}

// Imported is the number of records that reached the store.
func (u UnitResult) Imported() int {
	return u.Inserted + u.Updated + u.Unchanged
}

// Result is the value returned by Run; the caller folds it.
type Result struct {
	WorkerID int
	Provider string
	Units    []UnitResult
}

// Requested sums requested records across units.
func (r Result) Requested() int {
	n := 0
	for _, u := range r.Units {
		n += u.Requested
	}
	return n
}

// Imported sums imported records across units.
func (r Result) Imported() int {
	n := 0
	for _, u := range r.Units {
		n += u.Imported()
	}
	return n
}

// Run processes every geo-unit of a. Units run concurrently up to the
// configured cap; pages within a unit are strictly sequential. Soft failures
// are reflected in the unit results; Run only errors on fatal configuration
// or cancellation.
func (w *Worker) Run(ctx context.Context, a ingest.Assignment) (Result, error) {
	res := Result{WorkerID: a.WorkerID, Provider: a.Provider}
	if strings.TrimSpace(a.Provider) == "" {
		return res, fmt.Errorf("%w: assignment %d has no provider", ErrFatalConfig, a.WorkerID)
	}
	for _, geo := range a.GeoUnits {
		if err := geo.Validate(); err != nil {
			return res, fmt.Errorf("%w: %v", ErrFatalConfig, err)
		}
	}
	adapter, err := w.deps.Adapters.Adapter(a.Provider)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrFatalConfig, err)
	}

	log := w.logger.With(zap.Int("worker_id", a.WorkerID), zap.String("provider", a.Provider), zap.String("run_id", a.RunID))
	log.Info("worker started", zap.Int("geo_units", len(a.GeoUnits)))

	maxPages := w.cfg.MaxPages
	if a.MaxPages > 0 {
		maxPages = a.MaxPages
	}

	res.Units = make([]UnitResult, len(a.GeoUnits))
	var g errgroup.Group
	g.SetLimit(w.cfg.UnitConcurrency)
	for i, geo := range a.GeoUnits {
		g.Go(func() error {
			u, err := w.runUnit(ctx, a, adapter, geo, maxPages, log)
			res.Units[i] = u
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	log.Info("worker finished", zap.Int("requested", res.Requested()), zap.Int("imported", res.Imported()))
	return res, nil
}

func (w *Worker) runUnit(
	ctx context.Context,
	a ingest.Assignment,
	adapter ingest.SourceAdapter,
	geo ingest.GeoUnit,
	maxPages int,
	parent *zap.Logger,
) (UnitResult, error) {
	metrics.IncActiveUnits()
	defer metrics.DecActiveUnits()

	u := UnitResult{Geo: geo}
	log := parent.With(zap.String("geo", geo.String()))

	id, err := w.deps.IDs.NewID()
	if err != nil {
		u.Err = fmt.Errorf("new import run id: %w", err)
		u.Status = ingest.RunFailed
		return u, nil
	}
	run := ingest.ImportRun{
		ID:        id,
		RunID:     a.RunID,
		Provider:  a.Provider,
		GeoUnit:   geo.String(),
		Status:    ingest.RunStarted,
		StartedAt: w.deps.Clock.Now(),
	}
	if err := w.deps.Runs.CreateRun(ctx, run); err != nil {
		u.Err = fmt.Errorf("create import run: %w", err)
		u.Status = ingest.RunFailed
		log.Error("import run not opened", zap.Error(err))
		return u, nil
	}
	u.ImportRunID = id

	exhausted, fetchErr := w.paginate(ctx, a.Provider, adapter, geo, run.ID, maxPages, &u, log)

	u.Status = unitStatus(u, fetchErr)
	if fetchErr != nil {
		u.Err = fetchErr
	}
	w.closeRun(ctx, run, u, log)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return u, ctxErr
	}
	if exhausted && !u.RateLimited && w.cfg.StaleAfter > 0 {
		cutoff := run.StartedAt.Add(-w.cfg.StaleAfter)
		n, err := w.deps.Sink.SweepStale(ctx, a.Provider, geo, cutoff)
		if err != nil {
			log.Warn("stale sweep failed", zap.Error(err))
		}
		u.Stale = n
	}
	return u, nil
}

// paginate walks the unit's pages. It reports whether pagination reached the
// provider's last page rather than the page cap.
func (w *Worker) paginate(
	ctx context.Context,
	provider string,
	adapter ingest.SourceAdapter,
	geo ingest.GeoUnit,
	importRunID string,
	maxPages int,
	u *UnitResult,
	log *zap.Logger,
) (bool, error) {
	var token ingest.PageToken
	for pageNo := 1; pageNo <= maxPages; pageNo++ {
		page, err := adapter.FetchPage(ctx, geo, token)
		if err != nil {
			return false, fmt.Errorf("fetch page %d: %w", pageNo, err)
		}
		u.Pages++
		w.archive(ctx, provider, geo, importRunID, pageNo, page.RawBody, log)

		u.Requested += len(page.Records) + page.Malformed
		u.Errored += page.Malformed
		for _, rec := range page.Records {
			if err := w.processRecord(ctx, provider, rec, u, log); err != nil {
				return false, err
			}
		}

		if page.RateLimited {
			u.RateLimited = true
			log.Warn("unit truncated by rate limiting", zap.Int("page", pageNo))
			return false, nil
		}
		if page.Done || len(page.Records)+page.Malformed == 0 {
			return true, nil
		}
		token = page.Next
	}
	log.Info("page cap reached", zap.Int("max_pages", maxPages))
	return false, nil
}

// processRecord resolves photos, upserts and relays one record. Only
// cancellation is returned; every other failure is counted on u.
func (w *Worker) processRecord(ctx context.Context, provider string, rec ingest.ListingRecord, u *UnitResult, log *zap.Logger) error {
	images := rec.PhotoURLs()
	if len(images) == 0 && w.deps.Photos != nil && rec.ListingURL != "" {
		if err := w.deps.Pacer.Wait(ctx, provider); err != nil {
			return err
		}
		resolved, err := w.deps.Photos.Resolve(ctx, rec.ListingURL)
		if err != nil {
			log.Debug("photo resolution failed", zap.Stringer("key", rec.Key()), zap.Error(err))
		}
		if len(resolved) > 0 {
			rec.Images = resolved
			if rec.PrimaryImageURL == "" {
				rec.PrimaryImageURL = resolved[0]
			}
			images = rec.PhotoURLs()
		}
	}
	if len(images) == 0 {
		u.SkippedNoPhoto++
		metrics.ObserveListing("skipped")
		return nil
	}

	if err := w.deps.Pacer.Wait(ctx, provider); err != nil {
		return err
	}
	outcome, err := w.deps.Sink.Upsert(ctx, rec, images)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		u.Errored++
		metrics.ObserveListing("failed")
		log.Warn("upsert failed", zap.Stringer("key", rec.Key()), zap.Error(err))
		return nil
	}
	switch outcome {
	case sink.Inserted:
		u.Inserted++
	case sink.Updated:
		u.Updated++
	default:
		u.Unchanged++
	}

	if outcome == sink.Inserted && rec.IsDistressed() && w.deps.Relay != nil {
		if err := w.deps.Pacer.Wait(ctx, provider); err != nil {
			return err
		}
		if err := w.deps.Relay.Send(ctx, rec); err != nil {
			metrics.ObserveRelay("error")
			log.Warn("relay failed", zap.Stringer("key", rec.Key()), zap.Error(err))
			return nil
		}
		metrics.ObserveRelay("ok")
		u.Relayed++
	}
	return nil
}

func (w *Worker) archive(ctx context.Context, provider string, geo ingest.GeoUnit, importRunID string, pageNo int, body []byte, log *zap.Logger) {
	if w.deps.Blobs == nil || len(body) == 0 {
		return
	}
	path := fmt.Sprintf("%s/%s/%s/%s/%d.json",
		strings.Trim(w.cfg.ArchivePrefix, "/"), provider, sanitize(geo.String()), importRunID, pageNo)
	if _, err := w.deps.Blobs.PutObject(ctx, path, "application/json", bytes.NewReader(body)); err != nil {
		log.Warn("raw page archive failed", zap.String("path", path), zap.Error(err))
	}
}

func (w *Worker) closeRun(ctx context.Context, run ingest.ImportRun, u UnitResult, log *zap.Logger) {
	finished := w.deps.Clock.Now()
	run.Status = u.Status
	run.Requested = u.Requested
	run.Imported = u.Imported()
	run.Failed = u.Requested - u.Imported()
	run.FinishedAt = &finished
	if u.Err != nil {
		run.Error = u.Err.Error()
	}
	// The run row is closed even when the unit was cancelled.
	if err := w.deps.Runs.CloseRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error("import run not closed", zap.String("import_run_id", run.ID), zap.Error(err))
	}
	metrics.ObserveImportRun(run.Provider, string(run.Status))
	log.Info("import run closed",
		zap.String("import_run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("requested", run.Requested),
		zap.Int("imported", run.Imported),
		zap.Float64("success_rate", run.SuccessRate()),
	)
}

func unitStatus(u UnitResult, fetchErr error) ingest.RunStatus {
	switch {
	case fetchErr != nil && u.Imported() == 0:
		return ingest.RunFailed
	case u.Requested > 0 && u.Imported() == 0:
		return ingest.RunFailed
	case fetchErr != nil || u.RateLimited || u.Errored > 0:
		return ingest.RunPartial
	default:
		return ingest.RunCompleted
	}
}

func sanitize(s string) string {
	return strings.NewReplacer(",", "_", " ", "-", "/", "-").Replace(strings.ToLower(s))
}
