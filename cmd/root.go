// Package cmd defines the CLI commands of the property-pipeline executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/property-pipeline/internal/analytics"
	"github.com/JakeFAU/property-pipeline/internal/app"
	"github.com/JakeFAU/property-pipeline/internal/config"
	"github.com/JakeFAU/property-pipeline/internal/coordinator"
	"github.com/JakeFAU/property-pipeline/internal/logging"
	"github.com/JakeFAU/property-pipeline/internal/monitor"
	"github.com/JakeFAU/property-pipeline/internal/worker"
)

type appKeyType string

const appKey appKeyType = "app"

// App is the slice of the application container the commands use.
type App interface {
	Close()
	Logger() *zap.Logger
	Config() config.Config
	Worker() (*worker.Worker, error)
	Coordinator() (*coordinator.Coordinator, error)
	AnalyticsService() (*analytics.Service, error)
	Monitor(ctx context.Context) (*monitor.Service, error)
	HTTPServer(mon *monitor.Service) *http.Server
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// session owns the app built for one invocation.
type session struct {
	app    App
	logger *zap.Logger
}

// close is idempotent; it runs from PersistentPostRun on success and again
// after a failed command, where cobra skips the post-run hooks.
func (s *session) close() {
	if s.app != nil {
		s.app.Close()
		s.app = nil
	}
	if s.logger != nil {
		_ = s.logger.Sync()
		s.logger = nil
	}
}

func newRootCmd(s *session) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "property-pipeline",
		Short: "Distributed property listing ingestion, scoring and alerting.",
		Long: `property-pipeline pulls listings from third-party property APIs into a
canonical store, scores properties and markets, and raises operator alerts.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			s.logger = logger

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			s.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(*cobra.Command, []string) {
			s.close()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(
		newIngestCmd(),
		newWorkerCmd(),
		newMonitorCmd(),
		newRecomputeCmd(),
		newServeCmd(),
	)
	return cmd
}

// run executes one invocation with args, writing command output to out.
func run(ctx context.Context, args []string, out io.Writer) error {
	s := &session{}
	defer s.close()

	root := newRootCmd(s)
	root.SetArgs(args)
	root.SetOut(out)
	return root.ExecuteContext(ctx)
}

// Execute runs the CLI and exits nonzero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
