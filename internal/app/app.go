// Package app builds the long-lived services of the pipeline from configuration
// and acts as the dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/property-pipeline/internal/analytics"
	"github.com/JakeFAU/property-pipeline/internal/api"
	"github.com/JakeFAU/property-pipeline/internal/clock/system"
	"github.com/JakeFAU/property-pipeline/internal/config"
	"github.com/JakeFAU/property-pipeline/internal/coordinator"
	"github.com/JakeFAU/property-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/property-pipeline/internal/id/uuid"
	"github.com/JakeFAU/property-pipeline/internal/ingest"
	"github.com/JakeFAU/property-pipeline/internal/lock"
	redislock "github.com/JakeFAU/property-pipeline/internal/lock/redis"
	"github.com/JakeFAU/property-pipeline/internal/monitor"
	"github.com/JakeFAU/property-pipeline/internal/photos"
	"github.com/JakeFAU/property-pipeline/internal/photos/headless"
	"github.com/JakeFAU/property-pipeline/internal/photos/static"
	"github.com/JakeFAU/property-pipeline/internal/policy/ratelimit"
	pspub "github.com/JakeFAU/property-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/property-pipeline/internal/relay"
	"github.com/JakeFAU/property-pipeline/internal/sink"
	"github.com/JakeFAU/property-pipeline/internal/source"
	"github.com/JakeFAU/property-pipeline/internal/storage/gcs"
	"github.com/JakeFAU/property-pipeline/internal/storage/local"
	"github.com/JakeFAU/property-pipeline/internal/storage/memory"
	"github.com/JakeFAU/property-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/property-pipeline/internal/storage/s3"
	"github.com/JakeFAU/property-pipeline/internal/webhook"
	"github.com/JakeFAU/property-pipeline/internal/worker"
)

// App holds the shared services for one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  *system.Clock
	ids    *uuid.Generator

	listings  ingest.ListingStore
	runs      ingest.ImportRunStore
	alerts    ingest.AlertStore
	analytics ingest.AnalyticsStore
	blobs     ingest.BlobStore
	locker    ingest.KeyLocker
	quota     *source.QuotaTracker
	registry  *source.Registry

	pool    *pgxpool.Pool
	closers []func()
}

// New wires stores, locks and archives according to cfg. It fails fast when a
// configured backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := system.New()
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  clock,
		ids:    uuid.New(),
		quota:  source.NewQuotaTracker(clock),
	}
	if err := a.initStores(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initLocker(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initBlobs(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.registry = source.NewRegistry(cfg.Providers, source.Options{
		Timeout:        cfg.HTTP.SearchTimeout,
		UserAgent:      cfg.HTTP.UserAgent,
		Backoff429:     cfg.HTTP.Backoff429,
		Max429Attempts: cfg.HTTP.Max429Attempts,
		Retry:          source.NewExponentialRetryPolicy(cfg.HTTP.MaxRetries, cfg.HTTP.RetryBaseDelay, cfg.HTTP.RetryMaxDelay),
		Quota:          a.quota,
		Clock:          clock,
		Sleeper:        clock,
		Logger:         logger,
	})
	logger.Info("application services initialized",
		zap.String("db", cfg.DB.Driver),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("redis_lock", cfg.Redis.URL != ""),
		zap.Strings("providers", cfg.ProviderNames()),
	)
	return a, nil
}

func (a *App) initStores(ctx context.Context) error {
	switch a.cfg.DB.Driver {
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		a.listings = postgres.NewListingStore(pool)
		a.runs = postgres.NewRunStore(pool)
		a.alerts = postgres.NewAlertStore(pool)
		a.analytics = postgres.NewAnalyticsStore(pool)
	default:
		a.logger.Warn("using in-memory stores; data is lost on exit")
		a.listings = memory.NewListingStore()
		a.runs = memory.NewRunStore()
		a.alerts = memory.NewAlertStore()
		a.analytics = memory.NewAnalyticsStore()
	}
	return nil
}

func (a *App) initLocker(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		a.locker = lock.NewKeyed()
		return nil
	}
	client, err := redislock.Dial(ctx, a.cfg.Redis.URL)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.locker = redislock.New(client, redislock.Config{
		Prefix: a.cfg.Redis.KeyPrefix,
		TTL:    a.cfg.Redis.LockTTL,
	}, a.logger)
	return nil
}

func (a *App) initBlobs(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendMemory:
		a.blobs = memory.NewBlobStore()
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("init local storage: %w", err)
		}
		a.blobs = store
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.Prefix})
		if err != nil {
			return fmt.Errorf("init gcs storage: %w", err)
		}
		a.blobs = store
	case config.BackendS3:
		s3cfg := a.cfg.Storage.S3
		store, err := s3.Connect(s3.Config{
			Endpoint:  s3cfg.Endpoint,
			AccessKey: s3cfg.AccessKey,
			SecretKey: s3cfg.SecretKey,
			Region:    s3cfg.Region,
			UseSSL:    s3cfg.UseSSL,
			Bucket:    s3cfg.Bucket,
			Prefix:    a.cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("init s3 storage: %w", err)
		}
		a.blobs = store
	}
	return nil
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Runs returns the import run store.
func (a *App) Runs() ingest.ImportRunStore { return a.runs }

// Sink builds the canonical upsert sink.
func (a *App) Sink() (*sink.Sink, error) {
	return sink.New(a.listings, a.locker, sha256.New(), a.clock, a.logger)
}

// Worker builds a worker with every optional collaborator the config enables.
func (a *App) Worker() (*worker.Worker, error) {
	s, err := a.Sink()
	if err != nil {
		return nil, err
	}
	deps := worker.Deps{
		Adapters: a.registry,
		Sink:     s,
		Runs:     a.runs,
		Blobs:    a.blobs,
		Pacer:    ratelimit.New(a.cfg.Ingest.ItemDelay),
		Clock:    a.clock,
		IDs:      a.ids,
	}
	if a.cfg.Photos.Enabled {
		resolver, err := a.photoResolver()
		if err != nil {
			return nil, err
		}
		deps.Photos = resolver
	}
	if a.cfg.Relay.URL != "" {
		r, err := relay.NewWebhook(a.cfg.Relay.URL, a.webhookClient(a.cfg.Relay.AuthToken), a.clock)
		if err != nil {
			return nil, err
		}
		deps.Relay = r
	}
	return worker.New(deps, worker.Config{
		UnitConcurrency: a.cfg.Ingest.UnitConcurrency,
		MaxPages:        a.cfg.Ingest.MaxPages,
		StaleAfter:      a.cfg.Ingest.StaleAfter,
	}, a.logger)
}

func (a *App) photoResolver() (ingest.PhotoResolver, error) {
	fetcher := static.New(static.Config{UserAgent: a.cfg.HTTP.UserAgent, Timeout: a.cfg.HTTP.SearchTimeout})
	if !a.cfg.Photos.Headless {
		return photos.NewChain(fetcher, nil, nil, a.logger)
	}
	renderer, err := headless.New(headless.Config{
		MaxParallel:       a.cfg.Photos.MaxParallel,
		UserAgent:         a.cfg.HTTP.UserAgent,
		NavigationTimeout: a.cfg.Photos.NavTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init headless renderer: %w", err)
	}
	a.closers = append(a.closers, renderer.Close)
	return photos.NewChain(fetcher, renderer, photos.NewHeuristic(a.cfg.Photos.MinBodyBytes), a.logger)
}

func (a *App) webhookClient(token string) *webhook.Client {
	opts := webhook.Options{Timeout: a.cfg.HTTP.RelayTimeout, UserAgent: a.cfg.HTTP.UserAgent}
	if token != "" {
		opts.Headers = map[string]string{"Authorization": "Bearer " + token}
	}
	return webhook.New(opts)
}

// Coordinator builds a coordinator running shards in-process on one worker.
func (a *App) Coordinator() (*coordinator.Coordinator, error) {
	w, err := a.Worker()
	if err != nil {
		return nil, err
	}
	return coordinator.New(w, a.ids, a.logger), nil
}

// AnalyticsService builds the scoring recompute service.
func (a *App) AnalyticsService() (*analytics.Service, error) {
	return analytics.New(a.analytics, a.clock, a.ids, analytics.Config{
		BaseConversionRate: a.cfg.Analytics.BaseConversionRate,
	}, a.logger)
}

// Monitor builds the alert service with the configured notifiers.
func (a *App) Monitor(ctx context.Context) (*monitor.Service, error) {
	notifier, err := a.notifier(ctx)
	if err != nil {
		return nil, err
	}
	return monitor.New(monitor.Deps{
		Alerts:    a.alerts,
		Analytics: a.analytics,
		Runs:      a.runs,
		Quota:     a.quota,
		Locker:    a.locker,
		Notifier:  notifier,
		Clock:     a.clock,
		IDs:       a.ids,
	}, monitor.Config{
		Interval:   a.cfg.Monitor.Interval,
		Thresholds: a.cfg.Monitor.Thresholds,
	}, a.logger)
}

func (a *App) notifier(ctx context.Context) (monitor.Notifier, error) {
	var multi monitor.Multi
	for _, ch := range a.cfg.Notify.Channels {
		switch ch {
		case "log":
			multi = append(multi, monitor.NewLogNotifier(a.logger))
		case "webhook":
			n, err := monitor.NewWebhookNotifier(a.cfg.Notify.WebhookURL, a.webhookClient(""))
			if err != nil {
				return nil, err
			}
			multi = append(multi, n)
		case "pubsub":
			pub, err := pspub.Connect(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, func() { _ = pub.Close() })
			n, err := monitor.NewPubSubNotifier(pub, a.cfg.PubSub.Topic)
			if err != nil {
				return nil, err
			}
			multi = append(multi, n)
		case "email":
			n, err := monitor.NewEmailNotifier(a.cfg.Notify.Email)
			if err != nil {
				return nil, err
			}
			multi = append(multi, n)
		default:
			return nil, fmt.Errorf("unknown notify channel %q", ch)
		}
	}
	if len(multi) == 1 {
		return multi[0], nil
	}
	if len(multi) == 0 {
		return monitor.NewLogNotifier(a.logger), nil
	}
	return multi, nil
}

// Server builds the operator HTTP server around mon.
func (a *App) Server(mon *monitor.Service) *api.Server {
	opts := api.Options{Ready: a.Ready, Timeout: a.cfg.Server.RequestTimeout}
	if a.cfg.Auth.Enabled {
		opts.APIKey = a.cfg.Auth.APIKey
	}
	return api.NewServer(mon, a.runs, opts, a.logger)
}

// HTTPServer wraps the operator handler in an http.Server on the configured port.
func (a *App) HTTPServer(mon *monitor.Service) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Server(mon).Handler(),
		ReadHeaderTimeout: a.cfg.Server.RequestTimeout,
	}
}

// Ready pings the database when one is configured.
func (a *App) Ready(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := a.pool.Ping(ctx); err != nil {
		return errors.Join(errors.New("postgres unavailable"), err)
	}
	return nil
}

// Close releases every backend in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
