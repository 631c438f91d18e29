// Package app builds and holds the long-lived services of one dumpany process,
// acting as a dependency injection container for the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pearswick/dumpany/internal/api"
	"github.com/pearswick/dumpany/internal/config"
	"github.com/pearswick/dumpany/internal/downloader"
	"github.com/pearswick/dumpany/internal/id/uuid"
	"github.com/pearswick/dumpany/internal/progress"
	"github.com/pearswick/dumpany/internal/progress/sinks"
	"github.com/pearswick/dumpany/internal/ratelimit"
	"github.com/pearswick/dumpany/internal/registry"
	"github.com/pearswick/dumpany/internal/retrieval"
	"github.com/pearswick/dumpany/internal/storage/gcs"
	"github.com/pearswick/dumpany/internal/storage/local"
	"github.com/pearswick/dumpany/internal/storage/postgres"
	"github.com/pearswick/dumpany/internal/storage/s3"
)

// Options carries process-level collaborators that do not come from config.
type Options struct {
	// Stdout receives console progress. Default: os.Stdout.
	Stdout io.Writer
	// Registerer receives the progress collectors. Default: the global registerer.
	Registerer prometheus.Registerer
	// Clock drives every timer. Default: the wall clock.
	Clock clock.Clock
}

// App holds the shared services for one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	governor     *ratelimit.Governor
	registry     *registry.Client
	store        *local.Store
	hub          *progress.Hub
	orchestrator *retrieval.Orchestrator
	tracker      *api.RunTracker
	server       *api.Server

	pool      *pgxpool.Pool
	gcsClient *storage.Client
}

// New wires every component from cfg. Optional backends (ledger, mirror,
// status server) are only built when configured.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	a := &App{cfg: cfg, logger: logger, tracker: &api.RunTracker{}}

	pauser := ratelimit.NewTimerPauser(opts.Clock)
	govCfg := ratelimit.GovernorConfig{
		Ceiling:      cfg.RateLimit.Ceiling,
		Window:       cfg.RateLimit.Window,
		SoftCooldown: cfg.RateLimit.SoftCooldown,
	}
	if !cfg.RateLimit.SoftThrottle {
		govCfg.Tiers = []ratelimit.Tier{}
	}
	a.governor = ratelimit.NewGovernor(govCfg, opts.Clock, pauser, logger.Named("governor"))
	throttle := ratelimit.NewThrottle(cfg.RateLimit.MinInterval, opts.Clock, pauser)

	httpClient := registry.NewHTTPClient(cfg.RequestTimeout())
	reg, err := registry.New(registry.Config{
		BaseURL:  cfg.Registry.BaseURL,
		APIKey:   cfg.Registry.APIKey,
		PageSize: cfg.Registry.PageSize,
	}, httpClient, a.governor, throttle, logger.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("registry client: %w", err)
	}
	a.registry = reg

	a.store, err = local.New(local.Config{BaseDir: cfg.Output.Dir})
	if err != nil {
		return nil, fmt.Errorf("output directory: %w", err)
	}

	// Document bodies can outlast the registry request timeout, so the worker
	// bounds only the wait for response headers.
	worker := downloader.New(downloader.Config{
		APIKey:            cfg.Registry.APIKey,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		Backoff:           cfg.Retry.Backoff,
		DefaultRetryAfter: cfg.RateLimit.DefaultRetryAfter,
	}, downloader.NewHTTPClient(cfg.RequestTimeout()), a.governor, throttle, reg, a.store, pauser, opts.Clock, logger.Named("downloader"))

	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics: %w", err)
	}
	progressSinks := []progress.Sink{
		sinks.NewConsoleSink(opts.Stdout),
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	}

	var (
		recorders []retrieval.Recorder
		history   api.RunHistory
	)
	if cfg.Ledger.DSN != "" {
		a.pool, err = postgres.Connect(ctx, postgres.Config{DSN: cfg.Ledger.DSN, MaxConns: cfg.Ledger.MaxConns})
		if err != nil {
			return nil, a.abort(fmt.Errorf("document ledger: %w", err))
		}
		ledger, err := postgres.NewLedger(a.pool, cfg.Ledger.Table)
		if err != nil {
			return nil, a.abort(err)
		}
		runs, err := postgres.NewRunSink(a.pool, cfg.Ledger.RunsTable)
		if err != nil {
			return nil, a.abort(err)
		}
		recorders = append(recorders, ledger)
		progressSinks = append(progressSinks, runs)
		history = runs
		logger.Info("document ledger enabled", zap.String("table", cfg.Ledger.Table))
	}
	if cfg.Mirror.GCSBucket != "" {
		a.gcsClient, err = gcs.Connect(ctx, cfg.Mirror.GCSBucket)
		if err != nil {
			return nil, a.abort(fmt.Errorf("gcs mirror: %w", err))
		}
		mirror, err := gcs.New(a.gcsClient, gcs.Config{Bucket: cfg.Mirror.GCSBucket, Prefix: cfg.Mirror.Prefix}, logger.Named("mirror"))
		if err != nil {
			return nil, a.abort(err)
		}
		recorders = append(recorders, mirror)
		logger.Info("gcs mirror enabled", zap.String("bucket", cfg.Mirror.GCSBucket))
	}
	if cfg.Mirror.S3.Bucket != "" {
		s3Cfg := s3.Config{
			Bucket:          cfg.Mirror.S3.Bucket,
			Prefix:          cfg.Mirror.Prefix,
			Region:          cfg.Mirror.S3.Region,
			Endpoint:        cfg.Mirror.S3.Endpoint,
			AccessKeyID:     cfg.Mirror.S3.AccessKeyID,
			SecretAccessKey: cfg.Mirror.S3.SecretAccessKey,
		}
		client, err := s3.Connect(ctx, s3Cfg)
		if err != nil {
			return nil, a.abort(fmt.Errorf("s3 mirror: %w", err))
		}
		mirror, err := s3.New(ctx, client, s3Cfg, logger.Named("mirror"))
		if err != nil {
			return nil, a.abort(fmt.Errorf("s3 mirror: %w", err))
		}
		recorders = append(recorders, mirror)
		logger.Info("s3 mirror enabled", zap.String("bucket", s3Cfg.Bucket))
	}

	a.hub = progress.NewHub(progress.Config{Logger: logger.Named("hub")}, progressSinks...)
	a.orchestrator = retrieval.New(
		retrieval.Config{Workers: cfg.Workers},
		reg,
		a.store,
		worker,
		a.hub,
		uuid.New(),
		opts.Clock,
		logger.Named("retrieval"),
	).WithRecorders(recorders...)

	if cfg.Metrics.Addr != "" {
		a.server = api.NewServer(a.tracker, history, logger.Named("api"))
	}
	return a, nil
}

func (a *App) abort(err error) error {
	a.closeBackends()
	return err
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Registry exposes the registry client for company lookups outside a run.
func (a *App) Registry() *registry.Client {
	return a.registry
}

// Orchestrator returns the retrieval orchestrator.
func (a *App) Orchestrator() *retrieval.Orchestrator {
	return a.orchestrator
}

// Tracker returns the latest-run tracker shared with the status server.
func (a *App) Tracker() *api.RunTracker {
	return a.tracker
}

// OutputDir returns the resolved document root.
func (a *App) OutputDir() string {
	return a.store.BaseDir()
}

// StartStatusServer runs the status server in the background until ctx is
// done. It does nothing when metrics.addr is unset.
func (a *App) StartStatusServer(ctx context.Context) {
	if a.server == nil {
		return
	}
	go func() {
		if err := a.server.ListenAndServe(ctx, a.cfg.Metrics.Addr); err != nil {
			a.logger.Error("status server failed", zap.Error(err))
		}
	}()
}

// Close flushes progress and releases backends.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	a.closeBackends()
	return errors.Join(errs...)
}

func (a *App) closeBackends() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("error closing gcs client", zap.Error(err))
		}
		a.gcsClient = nil
	}
}
