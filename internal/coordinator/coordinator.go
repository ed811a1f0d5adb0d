// Package coordinator fans an ingestion run out across isolated shard workers
// and folds their outcomes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
	"github.com/JakeFAU/property-pipeline/internal/metrics"
	"github.com/JakeFAU/property-pipeline/internal/worker"
)

// Runner executes one shard assignment.
type Runner interface {
	Run(ctx context.Context, a ingest.Assignment) (worker.Result, error)
}

// RunIDGenerator issues the id shared by every shard of one run.
type RunIDGenerator interface {
	NewRunID() (string, error)
}

// ShardOutcome is the settled state of one shard.
type ShardOutcome struct {
	ShardID   int
	Provider  string
	GeoUnits  []ingest.GeoUnit
	Result    worker.Result
	Err       error
	Panicked  bool
	Cancelled bool
	Duration  time.Duration
}

// Failed reports whether the shard counts against the exit code.
func (o ShardOutcome) Failed() bool {
	return o.Err != nil
}

// AggregateResult summarises a coordinated run.
type AggregateResult struct {
	RunID     string
	Started   int
	Completed int
	Failed    int
	Shards    []ShardOutcome
}

// ExitCode is 0 only when no shard failed.
func (r AggregateResult) ExitCode() int {
	if r.Failed == 0 {
		return 0
	}
	return 1
}

// Coordinator runs shards concurrently and waits for all of them. Several
// runs may share one Coordinator.
type Coordinator struct {
	runner Runner
	runIDs RunIDGenerator
	logger *zap.Logger

	mu      sync.Mutex
	cancels map[shardKey]context.CancelFunc
}

type shardKey struct {
	runID   string
	shardID int
}

// New creates a Coordinator.
func New(runner Runner, runIDs RunIDGenerator, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		runner:  runner,
		runIDs:  runIDs,
		logger:  logger.Named("coordinator"),
		cancels: make(map[shardKey]context.CancelFunc),
	}
}

// Run partitions the work and runs every shard to completion. One shard's
// failure or panic never cancels or blocks the others, and failed shards are
// not retried. The error is reserved for invalid input.
func (c *Coordinator) Run(ctx context.Context, geoUnits []ingest.GeoUnit, n int, providers []string) (AggregateResult, error) {
	assignments, err := Partition(geoUnits, n, providers)
	if err != nil {
		return AggregateResult{}, fmt.Errorf("partition: %w", err)
	}
	runID, err := c.runIDs.NewRunID()
	if err != nil {
		return AggregateResult{}, fmt.Errorf("new run id: %w", err)
	}

	agg := AggregateResult{RunID: runID, Started: len(assignments), Shards: make([]ShardOutcome, len(assignments))}
	c.logger.Info("run started", zap.String("run_id", runID), zap.Int("shards", len(assignments)), zap.Int("geo_units", len(geoUnits)))

	var wg sync.WaitGroup
	for i, a := range assignments {
		a.RunID = runID
		key := shardKey{runID: runID, shardID: a.WorkerID}
		shardCtx, cancel := context.WithCancel(ctx)
		c.register(key, cancel)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.unregister(key)
			agg.Shards[i] = c.runShard(shardCtx, a)
		}()
	}
	wg.Wait()

	for _, o := range agg.Shards {
		if o.Failed() {
			agg.Failed++
		} else {
			agg.Completed++
		}
	}
	c.logger.Info("run finished",
		zap.String("run_id", runID),
		zap.Int("started", agg.Started),
		zap.Int("completed", agg.Completed),
		zap.Int("failed", agg.Failed),
	)
	return agg, nil
}

// Cancel stops one running shard of runID. It reports false when the shard is not running.
func (c *Coordinator) Cancel(runID string, shardID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.cancels[shardKey{runID: runID, shardID: shardID}]
	if ok {
		cancel()
	}
	return ok
}

func (c *Coordinator) register(key shardKey, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[key] = cancel
}

func (c *Coordinator) unregister(key shardKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.cancels[key]; ok {
		cancel()
		delete(c.cancels, key)
	}
}

func (c *Coordinator) runShard(ctx context.Context, a ingest.Assignment) (out ShardOutcome) {
	out = ShardOutcome{ShardID: a.WorkerID, Provider: a.Provider, GeoUnits: a.GeoUnits}
	log := c.logger.With(zap.Int("shard", a.WorkerID), zap.String("provider", a.Provider))
	start := time.Now()

	defer func() {
		out.Duration = time.Since(start)
		if r := recover(); r != nil {
			out.Panicked = true
			out.Err = fmt.Errorf("shard %d panicked: %v", a.WorkerID, r)
			log.Error("shard panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
		switch {
		case out.Panicked:
			metrics.ObserveShard("panicked")
		case out.Err != nil:
			metrics.ObserveShard("failed")
		default:
			metrics.ObserveShard("completed")
		}
	}()

	res, err := c.runner.Run(ctx, a)
	out.Result = res
	if err != nil {
		out.Err = err
		out.Cancelled = errors.Is(err, context.Canceled)
		log.Error("shard failed", zap.Error(err), zap.Bool("cancelled", out.Cancelled))
		return out
	}
	log.Info("shard completed", zap.Int("requested", res.Requested()), zap.Int("imported", res.Imported()))
	return out
}
