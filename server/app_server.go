package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/INLOpen/nexusrelay/collector"
	"github.com/INLOpen/nexusrelay/config"
	"github.com/INLOpen/nexusrelay/core"
	"github.com/INLOpen/nexusrelay/destinations"
	"github.com/INLOpen/nexusrelay/hooks"
	"github.com/INLOpen/nexusrelay/hooks/listeners"
	"github.com/INLOpen/nexusrelay/writer"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// AppServer owns the writers, their destinations and the collectors feeding
// them.
type AppServer struct {
	cfg           *config.Config
	logger        *slog.Logger
	hooks         hooks.HookManager
	writerIDs     []string
	writers       map[string]*writer.Writer
	dests         map[string]destinations.Destination
	collectors    []*collector.Collector
	registry      *prometheus.Registry
	metricsServer *MetricsServer
	alerter       *listeners.BacklogAlerterListener

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	closed  bool
}

// NewAppServer validates cfg and builds every writer and collector. tracer
// may be nil.
func NewAppServer(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer) (*AppServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scope, err := core.ScopeFromNative(cfg.Scope)
	if err != nil {
		return nil, err
	}

	hm := hooks.NewHookManager(logger)
	s := &AppServer{
		cfg:     cfg,
		logger:  logger.With("component", "AppServer"),
		hooks:   hm,
		writers: make(map[string]*writer.Writer),
		dests:   make(map[string]destinations.Destination),
	}
	if cfg.Hooks.BacklogAlertThreshold > 0 {
		s.alerter = listeners.NewBacklogAlerterListener(logger, cfg.Hooks.BacklogAlertThreshold)
		s.alerter.Register(hm)
	}
	if len(cfg.Hooks.OutlierRules) > 0 {
		rules := make([]listeners.OutlierRule, 0, len(cfg.Hooks.OutlierRules))
		for _, r := range cfg.Hooks.OutlierRules {
			rules = append(rules, listeners.OutlierRule{
				CollectorID: r.CollectorID,
				FieldName:   r.Field,
				Thresholds:  listeners.Thresholds{Min: r.Min, Max: r.Max},
			})
		}
		hm.Register(hooks.EventPreWriteBatch, listeners.NewOutlierDetectionListener(logger, rules))
	}

	for _, id := range cfg.WriterIDs() {
		if err := s.addWriter(id, cfg.Writers[id], logger, tracer); err != nil {
			s.closeWriters()
			return nil, fmt.Errorf("failed to create writer %s: %w", id, err)
		}
	}

	for _, id := range cfg.CollectorIDs() {
		cc := cfg.Collectors[id]
		if cc.Disabled {
			logger.Info("The collector is disabled", "collector_id", id)
			continue
		}
		c, err := s.buildCollector(id, cc, scope, logger)
		if err != nil {
			s.closeWriters()
			return nil, fmt.Errorf("failed to create collector %s: %w", id, err)
		}
		s.collectors = append(s.collectors, c)
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(NewWriterCollector(s.Stats))
	if cfg.Debug.Enabled {
		s.metricsServer = NewMetricsServer(&cfg.Debug, s.registry, logger)
	}
	return s, nil
}

func (s *AppServer) addWriter(id string, wc config.WriterConfig, logger *slog.Logger, tracer trace.Tracer) error {
	opts, err := wc.Options(id, s.cfg.DataDir, s.cfg.DryRun)
	if err != nil {
		return err
	}
	dest, err := destinations.New(wc.Config, logger)
	if err != nil {
		return err
	}
	opts.Logger = logger
	opts.HookManager = s.hooks
	opts.Tracer = tracer
	opts.Metrics = writer.NewMetrics(s.cfg.Debug.MetricsEnabled, "writer_"+id+"_")
	w, err := writer.New(dest, opts)
	if err != nil {
		_ = dest.Close()
		return err
	}
	s.writerIDs = append(s.writerIDs, id)
	s.writers[id] = w
	s.dests[id] = dest
	return nil
}

func (s *AppServer) buildCollector(id string, cc config.CollectorConfig, scope core.Scope, logger *slog.Logger) (*collector.Collector, error) {
	schedule, err := collector.ParseSchedule(cc.Schedule)
	if err != nil {
		return nil, err
	}
	source, err := cc.Source.BuildSource()
	if err != nil {
		return nil, err
	}
	targets := make([]collector.Target, 0, len(cc.Writers))
	for _, t := range cc.Writers {
		def, err := t.Definition()
		if err != nil {
			return nil, err
		}
		targets = append(targets, collector.Target{Writer: s.writers[t.WriterID], Definition: def})
	}
	return collector.New(collector.Options{
		ID:         id,
		Schedule:   schedule,
		Source:     source,
		MaxHistory: cc.MaxHistory,
		Targets:    targets,
		Scope:      scope,
		Logger:     logger,
	})
}

// Writer returns a writer by id.
func (s *AppServer) Writer(id string) (*writer.Writer, bool) {
	w, ok := s.writers[id]
	return w, ok
}

// Collectors returns the enabled collectors.
func (s *AppServer) Collectors() []*collector.Collector { return s.collectors }

// Registry returns the Prometheus registry holding the writer metrics.
func (s *AppServer) Registry() *prometheus.Registry { return s.registry }

// Stats returns a snapshot of every writer in id order.
func (s *AppServer) Stats() []writer.Stats {
	out := make([]writer.Stats, 0, len(s.writerIDs))
	for _, id := range s.writerIDs {
		out = append(out, s.writers[id].Stats())
	}
	return out
}

// Start runs the writers, the collectors and the debug server. It blocks
// until Stop is called or a component fails. Collectors are stopped before
// the writers so that the final flush of each writer sees all data.
func (s *AppServer) Start() error {
	g, ctx := errgroup.WithContext(context.Background())
	appCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	if s.stopped {
		cancel()
	}
	s.mu.Unlock()
	defer cancel()

	for _, id := range s.writerIDs {
		s.writers[id].Start(context.Background())
	}

	g.Go(func() error {
		cg, cctx := errgroup.WithContext(appCtx)
		for _, c := range s.collectors {
			cg.Go(func() error { return c.Run(cctx) })
		}
		err := cg.Wait()
		if err != nil {
			cancel()
		}
		<-appCtx.Done()
		s.logger.Info("Collectors stopped, closing the writers")
		s.closeWriters()
		return err
	})

	if s.metricsServer != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.metricsServer.Stop()
			}()
			return s.metricsServer.Start()
		})
	}

	s.logger.Info("Application server started", "writers", len(s.writers), "collectors", len(s.collectors))
	err := g.Wait()
	s.hooks.Stop()
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		s.logger.Error("A component has failed, the application stopped.", "error", err)
		return fmt.Errorf("server group failed: %w", err)
	}
	s.logger.Info("The application stopped gracefully.")
	return nil
}

// Stop triggers a graceful shutdown of Start. A Stop before Start makes
// Start return right after the shutdown.
func (s *AppServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Close releases writers and destinations without running Start.
func (s *AppServer) Close() error {
	return s.closeWriters()
}

func (s *AppServer) closeWriters() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for _, id := range s.writerIDs {
		if err := s.writers[id].Close(); err != nil {
			errs = append(errs, fmt.Errorf("writer %s: %w", id, err))
		}
		if err := s.dests[id].Close(); err != nil {
			errs = append(errs, fmt.Errorf("destination %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
