// Package collector runs data sources on a schedule and hands their output
// to writers.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexusrelay/core"
	"github.com/INLOpen/nexusrelay/template"
)

// DefaultMaxHistory is the number of items kept when none is configured.
const DefaultMaxHistory = 120

// Writer is the part of writer.Writer a collector needs.
type Writer interface {
	ID() string
	Write(ctx context.Context, collectorID string, data core.Value, def *template.Definition, scope core.Scope) error
}

// Target is a writer together with the definition applied to the data.
type Target struct {
	Writer     Writer
	Definition *template.Definition
}

// Options configures a Collector.
type Options struct {
	ID         string
	Schedule   Schedule
	Source     Source
	MaxHistory int
	Targets    []Target
	// Scope holds the base variables of every write.
	Scope  core.Scope
	Logger *slog.Logger
}

// Collector runs its source on a schedule.
type Collector struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	history []core.Value
}

func New(opts Options) (*Collector, error) {
	if opts.ID == "" {
		return nil, &core.ConfigError{Path: "collectors", Message: "the collector id is required"}
	}
	if opts.Schedule == nil || opts.Source == nil {
		return nil, &core.ConfigError{Path: "collectors." + opts.ID, Message: "schedule and source are required"}
	}
	for i, t := range opts.Targets {
		if t.Writer == nil || t.Definition == nil {
			return nil, &core.ConfigError{Path: fmt.Sprintf("collectors.%s.writers[%d]", opts.ID, i), Message: "writer and definition are required"}
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Collector{
		opts:   opts,
		logger: logger.With("component", "Collector", "collector_id", opts.ID),
		now:    time.Now,
	}, nil
}

// ID returns the collector id.
func (c *Collector) ID() string { return c.opts.ID }

// Run executes the collector on its schedule until ctx is cancelled. A
// failed run is logged and does not stop the loop.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("Starting the collector", "schedule", c.opts.Schedule.String(), "writers", len(c.opts.Targets))
	for {
		now := c.now()
		next := c.opts.Schedule.Next(now)
		if next.IsZero() {
			c.logger.Info("The schedule has no more runs")
			return nil
		}
		wait := next.Sub(now)
		c.logger.Debug("Next run scheduled", "at", next, "in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Info("The collector stopped")
			return nil
		case <-timer.C:
		}

		c.logger.Info("Running the collector")
		if err := c.RunOnce(ctx); err != nil {
			c.logger.Error("The collector run failed", "error", err)
		}
	}
}

// RunOnce collects the data once and writes it to every target. Every
// target is attempted; the errors are returned joined.
func (c *Collector) RunOnce(ctx context.Context) error {
	data, err := c.opts.Source.Collect(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect data: %w", err)
	}
	items, err := c.prepare(data)
	if err != nil {
		return err
	}
	history := c.record(items)

	scope := c.opts.Scope.With("history", core.List(history...))
	payload := core.List(items...)
	var errs []error
	for _, t := range c.opts.Targets {
		if err := t.Writer.Write(ctx, c.opts.ID, payload, t.Definition, scope); err != nil {
			c.logger.Error("Writing the data failed", "writer_id", t.Writer.ID(), "error", err)
			errs = append(errs, fmt.Errorf("writer %s: %w", t.Writer.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// prepare turns the data into a list of mappings and stamps each one with a
// time field when it has none.
func (c *Collector) prepare(data core.Value) ([]core.Value, error) {
	var items []core.Value
	switch data.Kind() {
	case core.KindMap:
		items = []core.Value{data}
	case core.KindList:
		items, _ = data.AsList()
	default:
		return nil, fmt.Errorf("the data must be a mapping or a list, got %s", data.Kind())
	}
	now := c.now()
	out := make([]core.Value, 0, len(items))
	for i, item := range items {
		m, ok := item.AsMap()
		if !ok {
			return nil, fmt.Errorf("item %d must be a mapping, got %s", i, item.Kind())
		}
		if v, ok := m.Get("time"); !ok || v.IsNil() {
			m = m.Clone()
			m.Set("time", core.Time(now))
		}
		out = append(out, core.MapValue(m))
	}
	return out, nil
}

// record appends items to the history and returns a copy of it.
func (c *Collector) record(items []core.Value) []core.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opts.MaxHistory <= 0 {
		return nil
	}
	c.history = append(c.history, items...)
	if over := len(c.history) - c.opts.MaxHistory; over > 0 {
		c.history = append([]core.Value(nil), c.history[over:]...)
	}
	return append([]core.Value(nil), c.history...)
}

// History returns the items of the most recent runs, oldest first.
func (c *Collector) History() []core.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Value(nil), c.history...)
}
