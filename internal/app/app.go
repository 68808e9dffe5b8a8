// Package app builds the ingestion pipeline from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/weather-ingest/internal/config"
	"github.com/JakeFAU/weather-ingest/internal/deadletter"
	"github.com/JakeFAU/weather-ingest/internal/fetcher"
	collyfetcher "github.com/JakeFAU/weather-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/weather-ingest/internal/ingest"
	"github.com/JakeFAU/weather-ingest/internal/metrics"
	"github.com/JakeFAU/weather-ingest/internal/normalize"
	"github.com/JakeFAU/weather-ingest/internal/progress"
	progresssinks "github.com/JakeFAU/weather-ingest/internal/progress/sinks"
	"github.com/JakeFAU/weather-ingest/internal/ratelimit"
	"github.com/JakeFAU/weather-ingest/internal/retry"
	"github.com/JakeFAU/weather-ingest/internal/server"
	"github.com/JakeFAU/weather-ingest/internal/store"
	"github.com/JakeFAU/weather-ingest/internal/store/postgres"
	"github.com/JakeFAU/weather-ingest/internal/store/sqlite"
	"github.com/JakeFAU/weather-ingest/internal/telemetry"
	"github.com/JakeFAU/weather-ingest/internal/weather"
)

const pushTimeout = 10 * time.Second

// App holds the components of one ingestion run.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	store        weather.Store
	metrics      *metrics.Metrics
	reporter     *progress.Reporter
	server       *server.Server
	orchestrator *ingest.Orchestrator
	tracer       *sdktrace.TracerProvider
}

// Option customizes App construction.
type Option func(*options)

type options struct {
	transport fetcher.Transport
	ids       weather.IDGenerator
}

// WithTransport replaces the colly transport.
func WithTransport(t fetcher.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithIDGenerator fixes how run ids are produced.
func WithIDGenerator(g weather.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// New opens the store named by target and wires the pipeline around it.
func New(ctx context.Context, cfg config.Config, target string, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	st, err := OpenStore(ctx, cfg, target, logger.Named("store"))
	if err != nil {
		return nil, err
	}
	a, err := NewWithStore(cfg, st, logger, opts...)
	if err != nil {
		if closeErr := st.Close(); closeErr != nil {
			logger.Warn("store close failed", zap.Error(closeErr))
		}
		return nil, err
	}
	return a, nil
}

// NewWithStore wires the pipeline around an already opened store. The App
// takes ownership of st.
func NewWithStore(cfg config.Config, st weather.Store, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m := metrics.New(nil)
	if o.transport == nil {
		o.transport = collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.HTTP.UserAgent,
			Timeout:   cfg.RequestTimeout(),
		})
	}
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.HTTP.RequestsPerSecond,
		Burst: cfg.HTTP.Burst,
	}, m)
	f := fetcher.New(ratelimit.Wrap(o.transport, limiter), logger.Named("fetcher"),
		fetcher.WithPolicy(retryPolicy(cfg)),
		fetcher.WithObserver(m),
	)

	policy, err := ingest.ParseFailurePolicy(cfg.Ingest.OnStationFailure)
	if err != nil {
		return nil, err
	}
	var dl deadletter.Recorder = deadletter.Nop{}
	if cfg.Ingest.DeadLetterPath != "" {
		rec, err := deadletter.NewFileRecorder(cfg.Ingest.DeadLetterPath)
		if err != nil {
			return nil, err
		}
		dl = rec
	}

	reporter := progress.NewReporter(logger.Named("progress"),
		progresssinks.NewLogSink(logger.Named("progress")),
		progresssinks.NewMetricsSink(m),
	)

	ingestOpts := []ingest.Option{
		ingest.WithNormalizer(normalize.New(m, logger.Named("normalize"))),
		ingest.WithEmitter(reporter),
		ingest.WithDeadLetter(dl),
	}
	if o.ids != nil {
		ingestOpts = append(ingestOpts, ingest.WithIDGenerator(o.ids))
	}
	var tp *sdktrace.TracerProvider
	if cfg.Tracing.Enabled {
		tp, err = telemetry.InitTracerProvider(context.Background(), cfg.Tracing.ServiceName,
			telemetry.NewLogExporter(logger.Named("trace")))
		if err != nil {
			return nil, err
		}
		ingestOpts = append(ingestOpts, ingest.WithTracer(tp.Tracer("github.com/JakeFAU/weather-ingest/internal/ingest")))
	}
	orch, err := ingest.New(ingest.Config{
		StationsURL:      cfg.Remote.StationsURL,
		MeasurementsURL:  cfg.Remote.MeasurementsURL,
		OnStationFailure: policy,
		MaxPages:         cfg.Ingest.MaxPages,
	}, f, st, logger.Named("ingest"), ingestOpts...)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		metrics:      m,
		reporter:     reporter,
		orchestrator: orch,
		tracer:       tp,
	}
	if cfg.Metrics.ListenAddr != "" {
		a.server = server.New(cfg.Metrics.ListenAddr, m.Handler(), logger.Named("server"), m.Middleware)
	}
	return a, nil
}

// OpenStore picks the backend from target: postgres:// and postgresql:// DSNs
// use Postgres, anything else is a SQLite file path.
func OpenStore(ctx context.Context, cfg config.Config, target string, logger *zap.Logger) (weather.Store, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errors.New("database target is required")
	}
	policy, err := store.ParseConflictPolicy(cfg.Store.OnConflict)
	if err != nil {
		return nil, err
	}
	if IsPostgresDSN(target) {
		logger.Info("using postgres store")
		return postgres.Open(ctx, postgres.Config{
			DSN:        target,
			MaxConns:   int32(max(cfg.Store.MaxConns, 0)), //nolint:gosec // bounded by config validation
			OnConflict: policy,
		}, logger)
	}
	logger.Info("using sqlite store", zap.String("path", target))
	return sqlite.Open(ctx, sqlite.Config{
		Path:        target,
		BusyTimeout: time.Duration(cfg.Store.BusyTimeoutMs) * time.Millisecond,
		OnConflict:  policy,
	}, logger)
}

// IsPostgresDSN reports whether target names a Postgres database.
func IsPostgresDSN(target string) bool {
	lower := strings.ToLower(target)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

func retryPolicy(cfg config.Config) retry.Policy {
	base, limit := cfg.Backoff()
	if base <= 0 {
		return retry.Immediate(cfg.Fetch.MaxAttempts)
	}
	return retry.Exponential(cfg.Fetch.MaxAttempts, base, limit)
}

// Metrics exposes the run's collectors.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Server returns the metrics server, or nil when disabled.
func (a *App) Server() *server.Server { return a.server }

// Run executes one ingestion. The metrics server, when enabled, runs beside the
// orchestrator and stops once the run ends.
func (a *App) Run(ctx context.Context) (ingest.Summary, error) {
	var summary ingest.Summary
	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	if a.server != nil {
		g.Go(func() error { return a.server.Run(runCtx) })
	}
	g.Go(func() error {
		defer stopServer()
		var err error
		summary, err = a.orchestrator.Run(runCtx)
		return err
	})
	err := g.Wait()

	a.metrics.ObserveRunDuration(summary.Duration)
	a.push(ctx, summary)
	return summary, err
}

func (a *App) push(ctx context.Context, summary ingest.Summary) {
	if a.cfg.Metrics.PushgatewayURL == "" {
		return
	}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
	defer cancel()
	groupings := map[string]string{}
	if summary.RunID != uuid.Nil {
		groupings["run_id"] = summary.RunID.String()
	}
	if err := a.metrics.Push(pushCtx, a.cfg.Metrics.PushgatewayURL, a.cfg.Metrics.Job, groupings); err != nil {
		a.logger.Warn("metrics push failed", zap.Error(err))
		return
	}
	a.logger.Debug("metrics pushed", zap.String("gateway", a.cfg.Metrics.PushgatewayURL))
}

// Close releases the store and progress sinks.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.reporter.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close progress sinks: %w", err))
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
