package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexusrelay/backlog"
	"github.com/INLOpen/nexusrelay/core"
	"github.com/INLOpen/nexusrelay/hooks"
	"github.com/INLOpen/nexusrelay/template"
	"go.opentelemetry.io/otel/trace"
)

// Destination is an external system records are delivered to.
type Destination interface {
	// Write delivers a batch. It returns a *core.RecoverableWriteError when
	// the destination is temporarily unable to accept it; any other error is
	// treated as unrecoverable.
	Write(ctx context.Context, batch []core.Record) error
	// Healthcheck checks that the destination is reachable.
	Healthcheck(ctx context.Context) error
}

// Writer accepts records from any number of producers and delivers them to
// one Destination from a single background worker. While the destination is
// unhealthy records are persisted to an on-disk backlog.
type Writer struct {
	id      string
	opts    Options
	dest    Destination
	queue   *queue
	health  *healthMonitor
	backlog *backlog.Store
	logger  *slog.Logger
	hooks   hooks.HookManager
	tracer  trace.Tracer
	metrics *Metrics

	wake chan struct{}
	// writeMu orders Write against Close: producers hold it for reading
	// while they enqueue, Close takes it for writing before it stops the
	// worker so that the final flush sees every accepted record.
	writeMu sync.RWMutex
	closed  bool

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	closeErr  error
}

// New validates opts, opens the backlog directory and returns a Writer.
// Start must be called to run the worker.
func New(dest Destination, opts Options) (*Writer, error) {
	if dest == nil {
		return nil, errors.New("writer: destination is nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "Writer", "writer_id", opts.WriterID)
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(false, "")
	}

	store, err := backlog.Open(backlog.Options{
		Dir:         opts.BacklogDir,
		WriterID:    opts.WriterID,
		Compression: opts.Compression,
		DryRun:      opts.DryRun,
		Logger:      opts.Logger,
		HookManager: opts.HookManager,
	})
	if err != nil {
		return nil, err
	}

	w := &Writer{
		id:      opts.WriterID,
		opts:    opts,
		dest:    dest,
		queue:   &queue{},
		backlog: store,
		logger:  logger,
		hooks:   opts.HookManager,
		tracer:  opts.Tracer,
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	w.health = &healthMonitor{
		interval:    opts.HealthcheckInterval,
		check:       w.healthcheck,
		now:         time.Now,
		logger:      logger,
		onChange:    w.onHealthChange,
		backlogSize: store.Size,
	}
	return w, nil
}

// ID returns the writer id.
func (w *Writer) ID() string { return w.id }

// Backlog exposes the backlog store of the writer.
func (w *Writer) Backlog() *backlog.Store { return w.backlog }

// Metrics returns the metrics of the writer.
func (w *Writer) Metrics() *Metrics { return w.metrics }

func (w *Writer) healthcheck(ctx context.Context) error {
	w.metrics.HealthchecksTotal.Add(1)
	var err error
	if w.opts.Disabled {
		err = fmt.Errorf("writer %s is temporarily disabled", w.id)
	} else {
		err = w.dest.Healthcheck(ctx)
	}
	if err != nil {
		w.metrics.HealthcheckFailuresTotal.Add(1)
		return &core.HealthcheckError{Destination: w.id, Err: err}
	}
	return nil
}

func (w *Writer) onHealthChange(ctx context.Context, healthy bool, cause error) {
	w.trigger(ctx, hooks.NewPostHealthChangeEvent(hooks.HealthChangePayload{WriterID: w.id, Healthy: healthy, Err: cause}))
}

// IsHealthy reports whether records are currently queued for delivery rather
// than spilled to the backlog. It may run a healthcheck.
func (w *Writer) IsHealthy(ctx context.Context) bool {
	return w.health.IsHealthy(ctx)
}

// Write evaluates def for every item of data and hands the resulting records
// to the worker, or to the backlog when the destination is unhealthy. data is
// a single item or a list of items. Template errors are returned as
// *core.ConfigError or *core.EvaluationError and nothing is written.
func (w *Writer) Write(ctx context.Context, collectorID string, data core.Value, def *template.Definition, scope core.Scope) error {
	if def == nil {
		return &core.ConfigError{Path: "writers." + w.id, Message: "the writer definition is empty"}
	}

	items := []core.Value{data}
	if list, ok := data.AsList(); ok {
		items = list
	}
	if data.IsNil() || len(items) == 0 {
		w.logger.Debug("The data is empty", "collector_id", collectorID)
		return nil
	}

	records := make([]core.Record, 0, len(items))
	empty := 0
	for _, item := range items {
		itemScope := scope.With("data", item).With("collector_id", core.String(collectorID))
		body, err := def.Evaluate(itemScope)
		if err != nil {
			return err
		}
		if body.Len() == 0 && !w.opts.WriteEmpty {
			empty++
			continue
		}
		records = append(records, core.NewRecord(collectorID, body))
	}
	if empty > 0 {
		w.metrics.EmptyDiscardedTotal.Add(int64(empty))
		w.logger.Debug("Discarding empty records", "collector_id", collectorID, "count", empty)
		w.trigger(ctx, hooks.NewOnRecordsDroppedEvent(hooks.RecordsDroppedPayload{WriterID: w.id, Reason: hooks.DropEmpty, Count: empty}))
	}
	if len(records) == 1 {
		w.logger.Debug("The following data will be written out", "collector_id", collectorID, "record", records[0])
	} else if len(records) > 1 {
		w.logger.Debug("The following data will be written out (stripped)", "collector_id", collectorID, "length", len(records), "first", records[0])
	}

	w.writeMu.RLock()
	defer w.writeMu.RUnlock()
	if w.closed {
		return core.ErrWriterClosed
	}

	switch {
	case w.health.IsHealthy(ctx):
		w.queue.Push(records...)
		w.metrics.RecordsQueuedTotal.Add(int64(len(records)))
	case len(records) == 0:
	case !w.opts.DisableBacklog:
		if _, err := w.backlog.Put(ctx, records); err != nil {
			return err
		}
		w.metrics.RecordsBackloggedTotal.Add(int64(len(records)))
	default:
		w.drop(ctx, records, hooks.DropNoBacklog, nil)
	}

	if w.opts.WriteInterval == 0 {
		w.signal()
	}
	return nil
}

func (w *Writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Writer) drop(ctx context.Context, records []core.Record, reason hooks.DropReason, cause error) {
	w.metrics.RecordsDroppedTotal.Add(int64(len(records)))
	w.logger.Warn("Records dropped", "count", len(records), "reason", reason, "error", cause)
	w.trigger(ctx, hooks.NewOnRecordsDroppedEvent(hooks.RecordsDroppedPayload{
		WriterID: w.id, Reason: reason, Count: len(records), Err: cause,
	}))
}

func (w *Writer) trigger(ctx context.Context, event hooks.HookEvent) {
	if w.hooks == nil {
		return
	}
	if err := w.hooks.Trigger(ctx, event); err != nil {
		w.logger.Debug("Hook returned an error", "event", event.Type(), "error", err)
	}
}

// Start launches the worker. The worker stops when ctx is cancelled or Close
// is called.
func (w *Writer) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		wctx, cancel := context.WithCancel(ctx)
		w.cancel = cancel
		go w.run(wctx)
		w.logger.Info("Writer started",
			"write_interval", w.opts.WriteInterval,
			"batch_size", w.opts.BatchSize,
			"backlog_files", w.backlog.Size(),
			"dry_run", w.opts.DryRun,
		)
	})
}

// Close rejects further writes, stops the worker after its final flush and
// releases the backlog. It is safe to call more than once.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.writeMu.Lock()
		w.closed = true
		w.writeMu.Unlock()

		started := false
		w.startOnce.Do(func() {})
		if w.cancel != nil {
			started = true
			w.cancel()
			<-w.done
			// The worker may have stopped on its own context earlier.
			w.flushRemaining(context.Background())
		}
		if !started {
			// Never started: persist what producers queued.
			w.flushRemaining(context.Background())
			close(w.done)
		}
		w.closeErr = w.backlog.Close()
	})
	return w.closeErr
}

// Done is closed when the worker goroutine has exited.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Stats is a point-in-time snapshot of a writer.
type Stats struct {
	WriterID          string
	Healthy           bool
	QueueSize         int
	BacklogFiles      int
	BacklogRecords    int
	RecordsQueued     int64
	RecordsDelivered  int64
	RecordsBacklogged int64
	RecordsDropped    int64
	EmptyDiscarded    int64
	WriteErrors       int64
	LatencyP50        time.Duration
	LatencyP99        time.Duration
}

func (w *Writer) Stats() Stats {
	return Stats{
		WriterID:          w.id,
		Healthy:           w.health.Healthy(),
		QueueSize:         w.queue.Len(),
		BacklogFiles:      w.backlog.Size(),
		BacklogRecords:    w.backlog.Records(),
		RecordsQueued:     w.metrics.RecordsQueuedTotal.Value(),
		RecordsDelivered:  w.metrics.RecordsDeliveredTotal.Value(),
		RecordsBacklogged: w.metrics.RecordsBackloggedTotal.Value(),
		RecordsDropped:    w.metrics.RecordsDroppedTotal.Value(),
		EmptyDiscarded:    w.metrics.EmptyDiscardedTotal.Value(),
		WriteErrors:       w.metrics.WriteErrorsTotal.Value(),
		LatencyP50:        time.Duration(w.metrics.LatencyQuantile(0.5) * float64(time.Second)),
		LatencyP99:        time.Duration(w.metrics.LatencyQuantile(0.99) * float64(time.Second)),
	}
}
