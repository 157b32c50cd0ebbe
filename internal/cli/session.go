package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/kingrea/lattice-distributor/internal/config"
	"github.com/kingrea/lattice-distributor/internal/distributor"
	"github.com/kingrea/lattice-distributor/internal/eventbridge"
	"github.com/kingrea/lattice-distributor/internal/history"
	"github.com/kingrea/lattice-distributor/internal/logbook"
	"github.com/kingrea/lattice-distributor/internal/logging"
	"github.com/kingrea/lattice-distributor/internal/metrics"
	"github.com/kingrea/lattice-distributor/internal/progress"
	"github.com/kingrea/lattice-distributor/internal/workerpool"
	"github.com/kingrea/lattice-distributor/internal/workflow"
)

// sessionOptions selects how a run session is assembled.
type sessionOptions struct {
	level string
	// console receives human-readable log lines; nil keeps logs in the file.
	console     io.Writer
	workersPath string
}

// session wires every component a distribution run needs and tears them down
// in reverse order.
type session struct {
	cfg         *config.Config
	logger      *logging.Logger
	log         zerolog.Logger
	registry    *prometheus.Registry
	agg         *progress.Aggregator
	history     *history.Store
	journal     *logbook.Logbook
	dist        *distributor.Distributor
	bridge      *eventbridge.Server
	detachBooks func()
}

func openSession(ctx context.Context, cfg *config.Config, opts sessionOptions) (*session, error) {
	s := &session{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	if err := cfg.Workflow().Initialize(); err != nil {
		return nil, fmt.Errorf("prepare run directory: %w", err)
	}
	logger, err := logging.New(cfg.ProjectDir, logging.Options{Level: opts.level, Console: opts.console})
	if err != nil {
		return nil, err
	}
	s.logger = logger
	s.log = logger.Zerolog()
	printer := logging.Printer{Log: s.log, Level: zerolog.DebugLevel}

	entries, err := resolveWorkers(cfg, opts.workersPath)
	if err != nil {
		return nil, err
	}
	pool, err := workerpool.FromEntries(entries, nil)
	if err != nil {
		return nil, fmt.Errorf("build worker pool: %w", err)
	}

	bus := eventbridge.NewBus(eventbridge.BusWithLogger(printer))
	s.agg = progress.New(
		progress.WithBus(bus),
		progress.WithStore(progress.NewJSONStore(cfg.ProgressPath())),
		progress.WithAutoSave(cfg.AutoSaveInterval()),
		progress.WithLogger(printer),
	)

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.New(s.registry)
	if err != nil {
		return nil, err
	}

	policy, err := distributor.RetryPolicyFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	distOpts := []distributor.Option{
		distributor.WithAggregator(s.agg),
		distributor.WithRetryPolicy(policy),
		distributor.WithContinueOnError(cfg.Distribute.ContinueOnError),
		distributor.WithLogger(logger.Component("distributor")),
		distributor.WithMetrics(collector),
	}
	if cfg.HistoryEnabled() {
		store, err := history.Open(cfg.HistoryPath())
		if err != nil {
			return nil, err
		}
		s.history = store
		distOpts = append(distOpts, distributor.WithHistory(store))
	}
	s.dist, err = distributor.New(pool, distOpts...)
	if err != nil {
		return nil, err
	}

	s.journal, err = logbook.New(cfg.Workflow().JourneyPath())
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	s.detachBooks = s.journal.Attach(bus)

	settings := eventbridge.SettingsFromConfig(cfg)
	if settings.Enabled {
		s.bridge = eventbridge.NewServer(settings,
			eventbridge.WithBus(bus),
			eventbridge.WithProgress(func() any { return s.dist.Summary() }),
			eventbridge.WithGatherer(s.registry),
			eventbridge.WithLogger(logging.Printer{Log: logger.Component("bridge"), Level: zerolog.InfoLevel}),
		)
		if err := s.bridge.Start(ctx); err != nil {
			return nil, err
		}
		s.log.Info().Str("url", s.bridge.BaseURL()).Msg("event bridge listening")
	}

	ok = true
	return s, nil
}

// resolveWorkers picks the roster: an explicit file, then distribute.yaml,
// then .lattice/workflow/team/workers.json.
func resolveWorkers(cfg *config.Config, path string) ([]workflow.WorkerEntry, error) {
	if path != "" {
		entries, err := workflow.LoadWorkers(path)
		if err != nil {
			return nil, fmt.Errorf("load workers %s: %w", path, err)
		}
		return entries, nil
	}
	if entries := cfg.WorkerEntries(); len(entries) > 0 {
		return entries, nil
	}
	roster := cfg.Workflow().WorkersPath()
	entries, err := workflow.LoadWorkers(roster)
	switch {
	case err == nil:
		return entries, nil
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("no workers configured: add workers to %s or %s", cfg.ConfigPath(), roster)
	default:
		return nil, fmt.Errorf("load workers %s: %w", roster, err)
	}
}

// Close stops the bridge and releases every resource the session opened.
func (s *session) Close() {
	if s.bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.bridge.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("bridge shutdown")
		}
		cancel()
	}
	if s.detachBooks != nil {
		s.detachBooks()
	}
	if s.journal != nil {
		_ = s.journal.Close()
	}
	if s.dist != nil {
		s.dist.Close()
	}
	if s.agg != nil {
		s.agg.Destroy()
		s.agg.Bus().Close()
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close history")
		}
	}
	if s.logger != nil {
		_ = s.logger.Close()
	}
}
