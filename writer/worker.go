package writer

import (
	"context"
	"time"

	"github.com/INLOpen/nexusrelay/core"
	"github.com/INLOpen/nexusrelay/hooks"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// run is the worker loop. Errors are contained here: they are logged and
// reflected in the health state or the backlog, and never stop the loop.
func (w *Writer) run(ctx context.Context) {
	defer close(w.done)

	interval := w.opts.WriteInterval
	if interval <= 0 {
		interval = idleTick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.step(ctx)
		if w.opts.WriteInterval == 0 && w.queue.Len() > 0 && w.health.Healthy() {
			w.signal()
		}
		select {
		case <-ctx.Done():
			// Reject new writes before the final flush so that nothing is
			// queued after it.
			w.writeMu.Lock()
			w.closed = true
			w.writeMu.Unlock()
			w.shutdown(ctx)
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// step runs one worker tick: one queue batch, then the backlog.
func (w *Writer) step(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	w.processQueue(ctx)
	if w.health.IsHealthy(ctx) {
		w.processBacklog(ctx)
	}
}

// processQueue delivers at most one batch from the queue.
func (w *Writer) processQueue(ctx context.Context) {
	if w.queue.Len() == 0 || !w.health.IsHealthy(ctx) {
		return
	}
	batch := w.queue.Pop(w.opts.BatchSize)
	if len(batch) == 0 {
		return
	}
	w.logger.Debug("Writing the batch", "batch_size", len(batch), "queue_size", w.queue.Len())

	err := w.deliver(ctx, batch, false)
	switch {
	case err == nil:
	case core.IsRecoverable(err):
		w.logger.Error("Cannot write the batch due to the writer's problem, the batch will be stored in the backlog", "error", err)
		w.health.MarkUnhealthy(ctx, err)
		w.persist(ctx, batch)
	case hooks.IsVeto(err):
		w.logger.Warn("The batch was rejected by a pre-write hook, it will be discarded", "error", err)
		w.drop(ctx, batch, hooks.DropVetoed, err)
	case w.opts.BacklogUnrecoverable:
		w.logger.Error("Cannot write the batch, it will be stored in the backlog", "error", err)
		w.persist(ctx, batch)
	default:
		w.logger.Error("Cannot write the batch, it will be discarded", "error", err)
		w.drop(ctx, batch, hooks.DropUnrecoverable, err)
	}
}

// persist moves a batch to the backlog. A failed Put loses the batch; it is
// counted as dropped.
func (w *Writer) persist(ctx context.Context, batch []core.Record) {
	if _, err := w.backlog.Put(ctx, batch); err != nil {
		w.logger.Error("Failed to store the batch in the backlog", "error", err)
		w.drop(ctx, batch, hooks.DropUnrecoverable, err)
		return
	}
	w.metrics.RecordsBackloggedTotal.Add(int64(len(batch)))
}

func (w *Writer) processBacklog(ctx context.Context) {
	if w.backlog.Size() == 0 {
		return
	}
	n, err := w.backlog.Process(ctx, func(ctx context.Context, records []core.Record) error {
		return w.deliver(ctx, records, true)
	}, w.opts.BatchSize)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	if core.IsBacklogIOError(err) {
		w.logger.Error("Backlog processing failed", "delivered", n, "error", err)
	}
	w.health.MarkUnhealthy(ctx, err)
}

// deliver runs the pre-write hooks and writes batch to the destination.
func (w *Writer) deliver(ctx context.Context, batch []core.Record, fromBacklog bool) (err error) {
	if w.tracer != nil {
		var span trace.Span
		ctx, span = w.tracer.Start(ctx, "Writer.Deliver", trace.WithAttributes(
			attribute.String("writer.id", w.id),
			attribute.Int("writer.batch_size", len(batch)),
			attribute.Bool("writer.from_backlog", fromBacklog),
		))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	if w.hooks != nil {
		if herr := w.hooks.Trigger(ctx, hooks.NewPreWriteBatchEvent(hooks.PreWriteBatchPayload{WriterID: w.id, Records: &batch})); herr != nil {
			return herr
		}
	}

	if w.opts.DryRun {
		w.logger.Debug("Running in dry-run mode, the writing operation is disabled", "batch_size", len(batch))
		return nil
	}

	start := time.Now()
	err = w.dest.Write(ctx, batch)
	duration := time.Since(start)
	w.metrics.ObserveWriteLatency(duration.Seconds())
	if err != nil {
		w.metrics.WriteErrorsTotal.Add(1)
	} else {
		w.metrics.BatchesWrittenTotal.Add(1)
		w.metrics.RecordsDeliveredTotal.Add(int64(len(batch)))
	}
	w.trigger(ctx, hooks.NewPostWriteBatchEvent(hooks.PostWriteBatchPayload{
		WriterID: w.id, Records: batch, FromBacklog: fromBacklog, Duration: duration, Error: err,
	}))
	return err
}

// shutdown drains one more batch and persists everything still queued.
func (w *Writer) shutdown(parent context.Context) {
	w.logger.Info("Ending the writer worker")
	ctx := context.WithoutCancel(parent)
	if w.opts.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.ShutdownTimeout)
		defer cancel()
	}
	w.processQueue(ctx)
	w.flushRemaining(ctx)
	w.logger.Info("The writer worker ended", "backlog_files", w.backlog.Size())
}

// flushRemaining writes every queued record to the backlog as one batch,
// even when the backlog is disabled for regular spills.
func (w *Writer) flushRemaining(ctx context.Context) {
	remaining := w.queue.DrainAll()
	if len(remaining) == 0 {
		return
	}
	w.logger.Info("Writing unprocessed items from the queue to the backlog", "count", len(remaining))
	w.persist(ctx, remaining)
}
