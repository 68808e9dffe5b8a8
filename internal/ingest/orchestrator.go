// Package ingest drives one ingestion run: roster, stations, then each
// station's measurement pages.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/JakeFAU/weather-ingest/internal/deadletter"
	idgen "github.com/JakeFAU/weather-ingest/internal/id/uuid"
	"github.com/JakeFAU/weather-ingest/internal/normalize"
	"github.com/JakeFAU/weather-ingest/internal/pagination"
	"github.com/JakeFAU/weather-ingest/internal/progress"
	"github.com/JakeFAU/weather-ingest/internal/weather"
)

// FailurePolicy decides what happens when one station's walk fails.
type FailurePolicy string

// Supported failure policies.
const (
	FailSkip  FailurePolicy = "skip"
	FailAbort FailurePolicy = "abort"
)

// ParseFailurePolicy validates a configured policy name. Empty means FailSkip.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailSkip:
		return FailSkip, nil
	case FailAbort:
		return FailAbort, nil
	default:
		return "", fmt.Errorf("unknown station failure policy %q", s)
	}
}

// Config controls a run.
type Config struct {
	StationsURL      string
	MeasurementsURL  string
	OnStationFailure FailurePolicy
	// MaxPages bounds each station walk; 0 is unlimited.
	MaxPages int
}

// Summary reports what a run did. Pages counts stored pages; PagesFailed counts
// pages whose write failed and were passed over. AbsentValues counts columns
// stored with the absent-value marker.
type Summary struct {
	RunID           uuid.UUID
	StationsSeen    int
	StationsInvalid int
	Stations        weather.WriteResult
	StationsDone    int
	StationsFailed  int
	FailedStations  []int64
	Pages           int
	PagesFailed     int
	ItemsSkipped    int
	AbsentValues    int
	Measurements    weather.WriteResult
	Duration        time.Duration
}

// Orchestrator runs the ingestion state machine.
type Orchestrator struct {
	cfg        Config
	fetcher    weather.Fetcher
	store      weather.Store
	walker     *pagination.Walker
	normalizer *normalize.Normalizer
	emitter    progress.Emitter
	deadLetter deadletter.Recorder
	clock      weather.Clock
	ids        weather.IDGenerator
	tracer     trace.Tracer
	logger     *zap.Logger
	state      atomic.Int32
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(o *Orchestrator) { o.normalizer = n }
}

// WithEmitter attaches a progress emitter.
func WithEmitter(e progress.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithDeadLetter records failed stations and pages.
func WithDeadLetter(r deadletter.Recorder) Option {
	return func(o *Orchestrator) { o.deadLetter = r }
}

// WithClock replaces the wall clock.
func WithClock(c weather.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithIDGenerator replaces the UUIDv7 run id generator.
func WithIDGenerator(g weather.IDGenerator) Option {
	return func(o *Orchestrator) { o.ids = g }
}

// WithTracer records run, station and page spans on tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// New constructs an Orchestrator.
func New(cfg Config, fetcher weather.Fetcher, store weather.Store, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if fetcher == nil || store == nil {
		return nil, errors.New("fetcher and store are required")
	}
	if cfg.StationsURL == "" || cfg.MeasurementsURL == "" {
		return nil, errors.New("stations and measurements urls are required")
	}
	if cfg.OnStationFailure == "" {
		cfg.OnStationFailure = FailSkip
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:        cfg,
		fetcher:    fetcher,
		store:      store,
		emitter:    progress.NopEmitter{},
		deadLetter: deadletter.Nop{},
		clock:      wallClock{},
		ids:        idgen.New(),
		tracer:     noop.NewTracerProvider().Tracer(""),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.normalizer == nil {
		o.normalizer = normalize.New(nil, logger.Named("normalize"))
	}
	o.walker = pagination.New(fetcher, cfg.MaxPages, logger.Named("pagination"))
	return o, nil
}

// State reports where the current or last run is.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	prev := State(o.state.Swap(int32(s)))
	o.logger.Debug("state transition", zap.Stringer("from", prev), zap.Stringer("to", s))
}

// station carries everything a walk needs to log and report about its station.
type station struct {
	runID [16]byte
	weather.Station
	url string
}

// Run performs one ingestion. Remote failures are fatal only for the roster;
// station failures follow the configured policy.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	ctx, span := o.tracer.Start(ctx, "ingest.run")
	defer span.End()

	runID, err := o.ids.NewRunID()
	if err != nil {
		o.setState(StateFailed)
		return Summary{}, fmt.Errorf("run id: %w", err)
	}
	start := o.clock.Now()
	sum := Summary{RunID: runID}
	rid := progress.UUIDToBytes(runID)
	logger := o.logger.With(zap.String("run_id", runID.String()))
	span.SetAttributes(attribute.String("run.id", runID.String()))

	o.emit(ctx, progress.Event{RunID: rid, Stage: progress.StageRunStart, URL: o.cfg.StationsURL})
	fail := func(err error) (Summary, error) {
		o.setState(StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		sum.Duration = o.clock.Now().Sub(start)
		o.emit(ctx, progress.Event{RunID: rid, Stage: progress.StageRunDone, Dur: sum.Duration, Note: err.Error()})
		logger.Error("ingestion run failed", zap.Error(err))
		return sum, err
	}

	o.setState(StateFetchingStations)
	roster, err := o.fetcher.Fetch(ctx, o.cfg.StationsURL)
	if err != nil {
		return fail(fmt.Errorf("fetch station roster: %w", err))
	}
	if roster.Next != "" {
		logger.Debug("station roster has a next reference; ignoring", zap.String("next", roster.Next))
	}

	o.setState(StatePersistingStations)
	if err := o.store.EnsureSchema(ctx); err != nil {
		return fail(fmt.Errorf("ensure schema: %w", err))
	}
	stations := o.stationsFromRoster(logger, roster, &sum)
	sum.Stations, err = o.store.UpsertStations(ctx, stations)
	if err != nil {
		return fail(fmt.Errorf("persist stations: %w", err))
	}
	logger.Info("stations persisted",
		zap.Int("seen", sum.StationsSeen),
		zap.Int("written", sum.Stations.Written),
		zap.Int("ignored", sum.Stations.Ignored),
		zap.Int("invalid", sum.StationsInvalid),
	)

	for _, st := range stations {
		o.setState(StateIteratingStations)
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("run cancelled before station %d: %w", st.ID, err))
		}
		startURL, err := StationURL(o.cfg.MeasurementsURL, st.ID)
		if err != nil {
			return fail(err)
		}
		sc := station{runID: rid, Station: st, url: startURL}

		o.setState(StateWalkingPages)
		err = o.ingestStation(ctx, logger, sc, &sum)
		if err == nil {
			sum.StationsDone++
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(fmt.Errorf("run cancelled during station %d: %w", st.ID, errors.Join(ctxErr, err)))
		}
		sum.StationsFailed++
		sum.FailedStations = append(sum.FailedStations, st.ID)
		o.stationFailed(ctx, logger, sc, err)
		if o.cfg.OnStationFailure == FailAbort {
			return fail(fmt.Errorf("station %d (%s): %w", st.ID, startURL, err))
		}
	}

	o.setState(StateDone)
	sum.Duration = o.clock.Now().Sub(start)
	span.SetAttributes(
		attribute.Int("stations.done", sum.StationsDone),
		attribute.Int("stations.failed", sum.StationsFailed),
		attribute.Int("pages", sum.Pages),
		attribute.Int("pages.failed", sum.PagesFailed),
	)
	o.emit(ctx, progress.Event{
		RunID:    rid,
		Stage:    progress.StageRunDone,
		Items:    sum.Pages,
		Written:  sum.Measurements.Written,
		Ignored:  sum.Measurements.Ignored,
		Rejected: len(sum.Measurements.Rejected),
		Skipped:  sum.ItemsSkipped,
		Dur:      sum.Duration,
	})
	logger.Info("ingestion run complete",
		zap.Int("stations_done", sum.StationsDone),
		zap.Int("stations_failed", sum.StationsFailed),
		zap.Int("pages", sum.Pages),
		zap.Int("pages_failed", sum.PagesFailed),
		zap.Int("written", sum.Measurements.Written),
		zap.Int("ignored", sum.Measurements.Ignored),
		zap.Int("rejected", len(sum.Measurements.Rejected)),
		zap.Int("items_skipped", sum.ItemsSkipped),
		zap.Int("absent_values", sum.AbsentValues),
		zap.Duration("duration", sum.Duration),
	)
	return sum, nil
}

// stationsFromRoster normalizes roster items, skipping invalid ones and
// repeated ids while keeping roster order.
func (o *Orchestrator) stationsFromRoster(logger *zap.Logger, roster weather.Page, sum *Summary) []weather.Station {
	seen := make(map[int64]struct{}, len(roster.Items))
	stations := make([]weather.Station, 0, len(roster.Items))
	sum.StationsInvalid += roster.Dropped
	for i, item := range roster.Items {
		sum.StationsSeen++
		st, err := o.normalizer.Station(item)
		if err != nil {
			sum.StationsInvalid++
			logger.Warn("skipping invalid station",
				zap.String("url", roster.URL), zap.Int("index", i), zap.Error(err))
			continue
		}
		if _, dup := seen[st.ID]; dup {
			logger.Debug("duplicate station in roster", zap.Int64("station_id", st.ID))
			continue
		}
		seen[st.ID] = struct{}{}
		stations = append(stations, st)
	}
	return stations
}

func (o *Orchestrator) ingestStation(ctx context.Context, logger *zap.Logger, sc station, sum *Summary) (err error) {
	ctx, span := o.tracer.Start(ctx, "ingest.station", trace.WithAttributes(
		attribute.Int64("station.id", sc.ID),
		attribute.String("url", sc.url),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "station failed")
		}
		span.End()
	}()

	logger = logger.With(zap.Int64("station_id", sc.ID), zap.String("station", sc.Name))
	started := o.clock.Now()
	o.emit(ctx, progress.Event{RunID: sc.runID, Stage: progress.StageStationStart, StationID: sc.ID, URL: sc.url})

	var (
		written weather.WriteResult
		skipped int
		absent  int
		pageNo  int
		failed  int
	)
	pages, err := o.walker.Walk(ctx, sc.url, func(ctx context.Context, page weather.Page) (string, error) {
		pageNo++
		res, stats, err := o.ingestPage(ctx, logger, page, pageNo)
		skipped += stats.skipped
		absent += stats.absent
		if err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			failed++
			o.pageFailed(ctx, logger, sc, page, pageNo, stats.skipped, err)
			return page.Next, nil
		}
		written.Add(res)
		o.emit(ctx, progress.Event{
			RunID:     sc.runID,
			Stage:     progress.StagePageDone,
			StationID: sc.ID,
			URL:       page.URL,
			Page:      pageNo,
			Items:     len(page.Items) + page.Dropped,
			Written:   res.Written,
			Ignored:   res.Ignored,
			Rejected:  len(res.Rejected),
			Skipped:   stats.skipped,
		})
		return page.Next, nil
	})
	sum.Pages += pageNo - failed
	sum.PagesFailed += failed
	sum.Measurements.Add(written)
	sum.ItemsSkipped += skipped
	sum.AbsentValues += absent
	if err != nil {
		return err
	}
	var note string
	if failed > 0 {
		note = fmt.Sprintf("%d pages failed", failed)
	}
	o.emit(ctx, progress.Event{
		RunID:     sc.runID,
		Stage:     progress.StageStationDone,
		StationID: sc.ID,
		URL:       sc.url,
		Items:     pages,
		Written:   written.Written,
		Ignored:   written.Ignored,
		Rejected:  len(written.Rejected),
		Skipped:   skipped,
		Dur:       o.clock.Now().Sub(started),
		Note:      note,
	})
	return nil
}

// pageStats counts what a page lost or left empty on its way to the store.
type pageStats struct {
	skipped int
	absent  int
}

// ingestPage normalizes a page and writes its rows in one transaction.
func (o *Orchestrator) ingestPage(ctx context.Context, logger *zap.Logger, page weather.Page, pageNo int) (weather.WriteResult, pageStats, error) {
	ctx, span := o.tracer.Start(ctx, "ingest.page", trace.WithAttributes(
		attribute.String("url", page.URL),
		attribute.Int("page", pageNo),
	))
	defer span.End()

	stats := pageStats{skipped: page.Dropped}
	if page.Dropped > 0 {
		logger.Warn("page contained non-object items", zap.String("url", page.URL), zap.Int("dropped", page.Dropped))
	}
	rows := make([]weather.MeasurementRow, 0, len(page.Items))
	for _, item := range page.Items {
		row, report, err := o.normalizer.Measurement(item)
		if err != nil {
			stats.skipped++
			logger.Warn("skipping malformed measurement", zap.String("url", page.URL), zap.Error(err))
			continue
		}
		if len(report.Absent) > 0 {
			stats.absent += len(report.Absent)
			logger.Debug("measurement has absent readings",
				zap.Int64("measurement_id", row.ID), zap.Strings("columns", report.Absent))
		}
		rows = append(rows, row)
	}
	span.SetAttributes(attribute.Int("absent", stats.absent))
	if len(rows) == 0 {
		return weather.WriteResult{}, stats, nil
	}
	res, err := o.store.UpsertMeasurements(ctx, rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		return weather.WriteResult{}, stats, fmt.Errorf("store page %s: %w", page.URL, err)
	}
	span.SetAttributes(
		attribute.Int("written", res.Written),
		attribute.Int("ignored", res.Ignored),
		attribute.Int("rejected", len(res.Rejected)),
	)
	for _, id := range res.Rejected {
		logger.Warn("measurement rejected",
			zap.Int64("measurement_id", id),
			zap.String("url", page.URL),
			zap.Error(weather.ErrForeignKeyViolation),
		)
	}
	return res, stats, nil
}

// pageFailed reports a page whose write failed. The station walk carries on
// with the page's next reference.
func (o *Orchestrator) pageFailed(ctx context.Context, logger *zap.Logger, sc station, page weather.Page, pageNo, skipped int, err error) {
	logger.Warn("page write failed; continuing with next page",
		zap.String("url", page.URL),
		zap.Int("page", pageNo),
		zap.Error(err),
	)
	o.emit(ctx, progress.Event{
		RunID:     sc.runID,
		Stage:     progress.StagePageFailed,
		StationID: sc.ID,
		URL:       page.URL,
		Page:      pageNo,
		Items:     len(page.Items) + page.Dropped,
		Skipped:   skipped,
		Note:      err.Error(),
	})
	o.recordDeadLetter(ctx, logger, sc, page.URL, err)
}

func (o *Orchestrator) stationFailed(ctx context.Context, logger *zap.Logger, sc station, err error) {
	logger.Warn("station failed",
		zap.Int64("station_id", sc.ID),
		zap.String("url", sc.url),
		zap.String("policy", string(o.cfg.OnStationFailure)),
		zap.Error(err),
	)
	o.emit(ctx, progress.Event{
		RunID:     sc.runID,
		Stage:     progress.StageStationFailed,
		StationID: sc.ID,
		URL:       sc.url,
		Note:      err.Error(),
	})
	o.recordDeadLetter(ctx, logger, sc, sc.url, err)
}

func (o *Orchestrator) recordDeadLetter(ctx context.Context, logger *zap.Logger, sc station, url string, err error) {
	entry := deadletter.Entry{
		RunID:       uuid.UUID(sc.runID).String(),
		StationID:   sc.ID,
		StationName: sc.Name,
		URL:         url,
		Error:       err.Error(),
		FailedAt:    o.clock.Now(),
	}
	if dlErr := o.deadLetter.Record(ctx, entry); dlErr != nil {
		logger.Warn("dead-letter write failed", zap.Int64("station_id", sc.ID), zap.Error(dlErr))
	}
}

func (o *Orchestrator) emit(ctx context.Context, evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = o.clock.Now()
	}
	o.emitter.Emit(ctx, evt)
}
