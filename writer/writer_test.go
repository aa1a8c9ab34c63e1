package writer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusrelay/core"
	"github.com/INLOpen/nexusrelay/hooks"
	"github.com/INLOpen/nexusrelay/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDestination records every batch it receives. Write errors are consumed
// one per call; healthErr is returned by every healthcheck.
type mockDestination struct {
	mu           sync.Mutex
	batches      [][]core.Record
	writeErrs    []error
	healthErr    error
	healthChecks int
	healthGate   chan struct{}
}

func (m *mockDestination) Write(ctx context.Context, batch []core.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.writeErrs) > 0 {
		err := m.writeErrs[0]
		m.writeErrs = m.writeErrs[1:]
		if err != nil {
			return err
		}
	}
	cp := make([]core.Record, len(batch))
	copy(cp, batch)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *mockDestination) Healthcheck(ctx context.Context) error {
	m.mu.Lock()
	gate := m.healthGate
	m.healthChecks++
	err := m.healthErr
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (m *mockDestination) setHealthErr(err error) {
	m.mu.Lock()
	m.healthErr = err
	m.mu.Unlock()
}

func (m *mockDestination) failNextWrites(errs ...error) {
	m.mu.Lock()
	m.writeErrs = append(m.writeErrs, errs...)
	m.mu.Unlock()
}

func (m *mockDestination) batchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.batches))
	for i, b := range m.batches {
		out[i] = len(b)
	}
	return out
}

func (m *mockDestination) delivered() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for _, b := range m.batches {
		out = append(out, valuesOf(b)...)
	}
	return out
}

func valuesOf(records []core.Record) []int64 {
	out := make([]int64, 0, len(records))
	for _, r := range records {
		v, _ := r.Data.Get("value")
		i, _ := v.AsInt()
		out = append(out, i)
	}
	return out
}

// fakeClock is a manually advanced clock for the health monitor.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const valueTemplate = `
$def:
  - $if: data.v >= 0
    value: !expr data.v
`

func testDefinition(t *testing.T) *template.Definition {
	t.Helper()
	def, err := template.Parse([]byte(valueTemplate))
	require.NoError(t, err)
	return def
}

func items(t *testing.T, vs ...int) core.Value {
	t.Helper()
	list := make([]any, 0, len(vs))
	for _, v := range vs {
		list = append(list, map[string]any{"v": v})
	}
	out, err := core.FromNative(list)
	require.NoError(t, err)
	return out
}

func newTestWriter(t *testing.T, dest Destination, mod ...func(*Options)) (*Writer, *fakeClock) {
	t.Helper()
	opts := DefaultOptions("test", t.TempDir())
	opts.WriteInterval = time.Hour
	opts.HealthcheckInterval = 20 * time.Second
	for _, m := range mod {
		m(&opts)
	}
	w, err := New(dest, opts)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	w.health.now = clock.Now
	t.Cleanup(func() { _ = w.Close() })
	return w, clock
}

func TestWriter_WriteWhileHealthyQueuesRecords(t *testing.T) {
	ctx := context.Background()

	t.Run("empty records discarded", func(t *testing.T) {
		w, _ := newTestWriter(t, &mockDestination{}, func(o *Options) { o.WriteEmpty = false })
		require.NoError(t, w.Write(ctx, "c", items(t, 1, -1, 2, -5), testDefinition(t), core.Scope{}))
		assert.Equal(t, 2, w.queue.Len())
		assert.Equal(t, int64(2), w.metrics.EmptyDiscardedTotal.Value())
	})

	t.Run("empty records kept", func(t *testing.T) {
		w, _ := newTestWriter(t, &mockDestination{}, func(o *Options) { o.WriteEmpty = true })
		require.NoError(t, w.Write(ctx, "c", items(t, 1, -1, 2, -5), testDefinition(t), core.Scope{}))
		assert.Equal(t, 4, w.queue.Len())
	})

	t.Run("single item", func(t *testing.T) {
		w, _ := newTestWriter(t, &mockDestination{})
		item, err := core.FromNative(map[string]any{"v": 7})
		require.NoError(t, err)
		require.NoError(t, w.Write(ctx, "c", item, testDefinition(t), core.Scope{}))
		assert.Equal(t, 1, w.queue.Len())
		assert.Equal(t, 0, w.backlog.Size())
	})

	t.Run("no data", func(t *testing.T) {
		w, _ := newTestWriter(t, &mockDestination{})
		require.NoError(t, w.Write(ctx, "c", core.List(), testDefinition(t), core.Scope{}))
		assert.Equal(t, 0, w.queue.Len())
	})
}

func TestWriter_WriteWhileUnhealthyCreatesOneBacklogFile(t *testing.T) {
	ctx := context.Background()
	dest := &mockDestination{healthErr: errors.New("connection refused")}
	w, _ := newTestWriter(t, dest)

	require.NoError(t, w.Write(ctx, "c", items(t, 1, 2, 3), testDefinition(t), core.Scope{}))
	assert.Equal(t, 0, w.queue.Len())
	assert.Equal(t, 1, w.backlog.Size())
	assert.Equal(t, 3, w.backlog.Records())

	require.NoError(t, w.Write(ctx, "c", items(t, 4), testDefinition(t), core.Scope{}))
	assert.Equal(t, 2, w.backlog.Size())
	assert.Equal(t, 1, dest.healthChecks, "the check is rate limited by the healthcheck interval")
}

func TestWriter_WriteWhileUnhealthyWithoutRecords(t *testing.T) {
	dest := &mockDestination{healthErr: errors.New("down")}
	w, _ := newTestWriter(t, dest, func(o *Options) { o.WriteEmpty = false })
	require.NoError(t, w.Write(context.Background(), "c", items(t, -1, -2), testDefinition(t), core.Scope{}))
	assert.Equal(t, 0, w.backlog.Size())
}

func TestWriter_WriteWhileUnhealthyBacklogDisabled(t *testing.T) {
	dest := &mockDestination{healthErr: errors.New("down")}
	w, _ := newTestWriter(t, dest, func(o *Options) { o.DisableBacklog = true })
	require.NoError(t, w.Write(context.Background(), "c", items(t, 1, 2), testDefinition(t), core.Scope{}))
	assert.Equal(t, 0, w.backlog.Size())
	assert.Equal(t, 0, w.queue.Len())
	assert.Equal(t, int64(2), w.Stats().RecordsDropped)
}

func TestWriter_DisabledWriterSpillsToBacklog(t *testing.T) {
	dest := &mockDestination{}
	w, _ := newTestWriter(t, dest, func(o *Options) { o.Disabled = true })
	require.NoError(t, w.Write(context.Background(), "c", items(t, 1), testDefinition(t), core.Scope{}))
	assert.Equal(t, 1, w.backlog.Size())
	assert.Equal(t, 0, dest.healthChecks, "a disabled writer never checks the destination")
}

func TestWriter_TemplateErrorsAreReturned(t *testing.T) {
	w, _ := newTestWriter(t, &mockDestination{})
	def, err := template.Parse([]byte("$def:\n  - value: !expr data.missing + 1\n"))
	require.NoError(t, err)

	err = w.Write(context.Background(), "c", items(t, 1), def, core.Scope{})
	require.Error(t, err)
	assert.True(t, core.IsEvaluationError(err))
	assert.Equal(t, 0, w.queue.Len())

	err = w.Write(context.Background(), "c", items(t, 1), nil, core.Scope{})
	assert.True(t, core.IsConfigError(err))
}

func TestWriter_ScopeVariables(t *testing.T) {
	w, _ := newTestWriter(t, &mockDestination{})
	def, err := template.Parse([]byte(`
$def:
  - host: !expr host
    collector: !expr collector_id
    value: !expr data.v
`))
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), "cpu", items(t, 3), def, core.Scope{"host": core.String("node-1")}))

	rec := w.queue.Pop(1)[0]
	assert.Equal(t, "cpu", rec.CollectorID)
	assert.Equal(t, map[string]any{"host": "node-1", "collector": "cpu", "value": int64(3)}, rec.Data.Native())
}

func TestWriter_RecoverableFailureMovesBatchToBacklog(t *testing.T) {
	ctx := context.Background()
	dest := &mockDestination{}
	w, _ := newTestWriter(t, dest, func(o *Options) { o.BatchSize = 10 })
	require.NoError(t, w.Write(ctx, "c", items(t, 1, 2), testDefinition(t), core.Scope{}))
	require.True(t, w.health.Healthy())
	before := w.backlog.Size()

	dest.failNextWrites(core.Recoverable("mock", errors.New("503")))
	w.processQueue(ctx)

	assert.False(t, w.health.Healthy())
	assert.Equal(t, before+1, w.backlog.Size())
	assert.Equal(t, 2, w.backlog.Records())
	assert.Equal(t, 0, w.queue.Len())
}

func TestWriter_UnrecoverableFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("dropped by default", func(t *testing.T) {
		dest := &mockDestination{}
		w, _ := newTestWriter(t, dest)
		require.NoError(t, w.Write(ctx, "c", items(t, 1, 2), testDefinition(t), core.Scope{}))
		dest.failNextWrites(errors.New("400 bad request"))
		w.processQueue(ctx)
		assert.True(t, w.health.Healthy())
		assert.Equal(t, 0, w.backlog.Size())
		assert.Equal(t, int64(2), w.metrics.RecordsDroppedTotal.Value())
	})

	t.Run("kept when configured", func(t *testing.T) {
		dest := &mockDestination{}
		w, _ := newTestWriter(t, dest, func(o *Options) { o.BacklogUnrecoverable = true })
		require.NoError(t, w.Write(ctx, "c", items(t, 1, 2), testDefinition(t), core.Scope{}))
		dest.failNextWrites(errors.New("400 bad request"))
		w.processQueue(ctx)
		assert.Equal(t, 1, w.backlog.Size())
		assert.Equal(t, int64(0), w.metrics.RecordsDroppedTotal.Value())
	})
}

func TestWriter_EndToEndBatching(t *testing.T) {
	dest := &mockDestination{}
	w, _ := newTestWriter(t, dest, func(o *Options) {
		o.BatchSize = 2
		o.WriteInterval = 0
	})
	require.NoError(t, w.Write(context.Background(), "c", items(t, 1, 2, 3), testDefinition(t), core.Scope{}))
	require.Equal(t, 3, w.queue.Len())

	w.Start(context.Background())
	require.Eventually(t, func() bool { return len(dest.batchSizes()) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{2, 1}, dest.batchSizes())
	assert.Equal(t, []int64{1, 2, 3}, dest.delivered())
}

func TestWriter_WriteIntervalZeroWakesWorker(t *testing.T) {
	dest := &mockDestination{}
	w, _ := newTestWriter(t, dest, func(o *Options) { o.WriteInterval = 0 })
	w.Start(context.Background())

	require.NoError(t, w.Write(context.Background(), "c", items(t, 1), testDefinition(t), core.Scope{}))
	require.Eventually(t, func() bool { return len(dest.delivered()) == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestWriter_BacklogDrainedWhenHealthyAgain(t *testing.T) {
	ctx := context.Background()
	dest := &mockDestination{healthErr: errors.New("down")}
	w, clock := newTestWriter(t, dest, func(o *Options) { o.BatchSize = 2 })

	require.NoError(t, w.Write(ctx, "c", items(t, 1, 2, 3), testDefinition(t), core.Scope{}))
	require.NoError(t, w.Write(ctx, "c", items(t, 4), testDefinition(t), core.Scope{}))
	require.Equal(t, 2, w.backlog.Size())

	dest.setHealthErr(nil)
	w.step(ctx)
	assert.Empty(t, dest.delivered(), "the check waits for the healthcheck interval")

	clock.Advance(21 * time.Second)
	w.step(ctx)
	assert.Equal(t, []int64{1, 2, 3, 4}, dest.delivered())
	assert.Equal(t, []int{3, 1}, dest.batchSizes(), "a file larger than the batch size is delivered whole")
	assert.Equal(t, 0, w.backlog.Size())
}

func TestWriter_BacklogFailureFlipsHealth(t *testing.T) {
	ctx := context.Background()
	dest := &mockDestination{healthErr: errors.New("down")}
	w, clock := newTestWriter(t, dest)
	require.NoError(t, w.Write(ctx, "c", items(t, 1), testDefinition(t), core.Scope{}))

	dest.setHealthErr(nil)
	dest.failNextWrites(core.Recoverable("mock", errors.New("timeout")))
	clock.Advance(time.Minute)
	w.step(ctx)

	assert.False(t, w.health.Healthy())
	assert.Equal(t, 1, w.backlog.Size())
}

func TestWriter_BacklogReadFailureFlipsHealth(t *testing.T) {
	ctx := context.Background()
	dest := &mockDestination{healthErr: errors.New("down")}
	w, clock := newTestWriter(t, dest)
	require.NoError(t, w.Write(ctx, "c", items(t, 1), testDefinition(t), core.Scope{}))
	entries := w.backlog.Entries()
	require.Len(t, entries, 1)

	// A directory in place of the batch file cannot be read.
	path := filepath.Join(w.backlog.Dir(), core.BacklogFileName(entries[0].Token))
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "child"), 0o755))

	dest.setHealthErr(nil)
	clock.Advance(time.Minute)
	w.step(ctx)
	assert.False(t, w.health.Healthy())
	assert.Equal(t, 1, w.backlog.Size())
	checks := dest.healthChecks

	w.step(ctx)
	w.step(ctx)
	assert.Equal(t, checks, dest.healthChecks, "retries wait for the healthcheck interval")
	assert.Empty(t, dest.delivered())
}

func TestWriter_StopsOnStartContext(t *testing.T) {
	ctx := context.Background()
	dest := &mockDestination{}
	w, _ := newTestWriter(t, dest)
	require.NoError(t, w.Write(ctx, "c", items(t, 1, 2), testDefinition(t), core.Scope{}))

	runCtx, cancel := context.WithCancel(ctx)
	w.Start(runCtx)
	cancel()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("the worker did not stop")
	}

	err := w.Write(ctx, "c", items(t, 3), testDefinition(t), core.Scope{})
	assert.ErrorIs(t, err, core.ErrWriterClosed)
	require.NoError(t, w.Close())

	found := dest.delivered()
	stored, err := readBacklogValues(t, w.backlog.Dir())
	require.NoError(t, err)
	found = append(found, stored...)
	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
	assert.Equal(t, []int64{1, 2}, found)
	assert.Equal(t, 0, w.queue.Len())
}

func TestWriter_ShutdownFlushKeepsEveryRecord(t *testing.T) {
	dest := &mockDestination{}
	w, _ := newTestWriter(t, dest, func(o *Options) { o.BatchSize = 2 })
	require.NoError(t, w.Write(context.Background(), "c", items(t, 1, 2, 3, 4, 5, 6, 7), testDefinition(t), core.Scope{}))

	w.Start(context.Background())
	require.NoError(t, w.Close())

	found := dest.delivered()
	stored, err := readBacklogValues(t, w.backlog.Dir())
	require.NoError(t, err)
	found = append(found, stored...)
	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, found)
	assert.Equal(t, 0, w.queue.Len())
}

func TestWriter_ShutdownWhileUnhealthy(t *testing.T) {
	dest := &mockDestination{}
	w, _ := newTestWriter(t, dest, func(o *Options) { o.DisableBacklog = true })
	require.NoError(t, w.Write(context.Background(), "c", items(t, 1, 2, 3), testDefinition(t), core.Scope{}))
	w.health.MarkUnhealthy(context.Background(), errors.New("gone"))

	w.Start(context.Background())
	require.NoError(t, w.Close())

	values, err := readBacklogValues(t, w.backlog.Dir())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, values, "the final flush ignores disable_backlog")
	assert.Empty(t, dest.delivered())
}

func TestWriter_WriteAfterClose(t *testing.T) {
	w, _ := newTestWriter(t, &mockDestination{})
	require.NoError(t, w.Close())
	err := w.Write(context.Background(), "c", items(t, 1), testDefinition(t), core.Scope{})
	assert.ErrorIs(t, err, core.ErrWriterClosed)
	require.NoError(t, w.Close())
	select {
	case <-w.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}
}

func TestWriter_DryRun(t *testing.T) {
	ctx := context.Background()
	dest := &mockDestination{healthErr: errors.New("down")}
	w, clock := newTestWriter(t, dest, func(o *Options) { o.DryRun = true })

	require.NoError(t, w.Write(ctx, "c", items(t, 1), testDefinition(t), core.Scope{}))
	assert.Equal(t, 0, w.backlog.Size(), "dry run creates no backlog file")

	dest.setHealthErr(nil)
	clock.Advance(time.Minute)
	require.NoError(t, w.Write(ctx, "c", items(t, 2), testDefinition(t), core.Scope{}))
	w.processQueue(ctx)
	assert.Empty(t, dest.delivered(), "dry run skips destination writes")
	assert.Equal(t, 0, w.queue.Len())
}

type batchEditor struct{}

func (batchEditor) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	p := event.Payload().(hooks.PreWriteBatchPayload)
	*p.Records = (*p.Records)[1:]
	return nil
}
func (batchEditor) Priority() int { return 1 }
func (batchEditor) IsAsync() bool { return false }

type healthRecorder struct {
	mu      sync.Mutex
	changes []bool
}

func (h *healthRecorder) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	h.mu.Lock()
	h.changes = append(h.changes, event.Payload().(hooks.HealthChangePayload).Healthy)
	h.mu.Unlock()
	return nil
}
func (h *healthRecorder) Priority() int { return 1 }
func (h *healthRecorder) IsAsync() bool { return false }

func TestWriter_Hooks(t *testing.T) {
	ctx := context.Background()
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventPreWriteBatch, batchEditor{})
	rec := &healthRecorder{}
	hm.Register(hooks.EventPostHealthChange, rec)

	dest := &mockDestination{}
	w, _ := newTestWriter(t, dest, func(o *Options) { o.HookManager = hm })
	require.NoError(t, w.Write(ctx, "c", items(t, 1, 2, 3), testDefinition(t), core.Scope{}))
	w.processQueue(ctx)
	assert.Equal(t, []int64{2, 3}, dest.delivered())

	require.NoError(t, w.Write(ctx, "c", items(t, 4), testDefinition(t), core.Scope{}))
	dest.failNextWrites(core.Recoverable("mock", errors.New("busy")))
	w.processQueue(ctx)
	assert.Equal(t, []bool{true, false}, rec.changes)
}

func TestWriter_VetoedBatchIsDropped(t *testing.T) {
	ctx := context.Background()
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventPreWriteBatch, hooks.ListenerFunc(func(ctx context.Context, event hooks.HookEvent) error {
		return errors.New("quota exceeded")
	}))

	dest := &mockDestination{}
	w, _ := newTestWriter(t, dest, func(o *Options) {
		o.HookManager = hm
		o.BacklogUnrecoverable = true
	})
	require.NoError(t, w.Write(ctx, "c", items(t, 1, 2), testDefinition(t), core.Scope{}))
	w.processQueue(ctx)

	assert.Empty(t, dest.delivered())
	assert.True(t, w.health.Healthy())
	assert.Equal(t, 0, w.backlog.Size(), "a rejected batch never reaches the backlog")
	assert.Equal(t, int64(2), w.metrics.RecordsDroppedTotal.Value())
}

func TestWriter_Stats(t *testing.T) {
	ctx := context.Background()
	dest := &mockDestination{}
	w, _ := newTestWriter(t, dest)
	require.NoError(t, w.Write(ctx, "c", items(t, 1, 2), testDefinition(t), core.Scope{}))
	w.processQueue(ctx)

	s := w.Stats()
	assert.Equal(t, "test", s.WriterID)
	assert.True(t, s.Healthy)
	assert.Equal(t, 0, s.QueueSize)
	assert.Equal(t, int64(2), s.RecordsQueued)
	assert.Equal(t, int64(2), s.RecordsDelivered)
	assert.GreaterOrEqual(t, s.LatencyP99, s.LatencyP50)
}

func TestOptions_Validate(t *testing.T) {
	opts := DefaultOptions("influx", t.TempDir())
	require.NoError(t, opts.Validate())

	bad := opts
	bad.BatchSize = 0
	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, core.IsConfigError(err))
	assert.Contains(t, err.Error(), "batch_size")

	bad = opts
	bad.WriterID = ""
	assert.Error(t, bad.Validate())

	bad = opts
	bad.Compression = core.CompressionType(9)
	assert.Error(t, bad.Validate())
}
