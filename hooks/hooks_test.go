package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/nexusrelay/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockListener is a mock implementation of HookListener for testing.
type mockListener struct {
	name        string
	priority    int
	isAsync     bool
	returnErr   error
	workDelay   time.Duration
	onEventFunc func(event HookEvent)

	mu        *sync.Mutex
	callOrder *[]string
}

func (m *mockListener) OnEvent(ctx context.Context, event HookEvent) error {
	if m.workDelay > 0 {
		time.Sleep(m.workDelay)
	}
	if m.onEventFunc != nil {
		m.onEventFunc(event)
	}
	if m.callOrder != nil {
		m.mu.Lock()
		*m.callOrder = append(*m.callOrder, m.name)
		m.mu.Unlock()
	}
	return m.returnErr
}

func (m *mockListener) Priority() int { return m.priority }
func (m *mockListener) IsAsync() bool { return m.isAsync }

func TestNewHookManager(t *testing.T) {
	manager := NewHookManager(nil)
	require.NotNil(t, manager)
	dm, ok := manager.(*DefaultHookManager)
	require.True(t, ok)
	assert.NotNil(t, dm.listeners)
	assert.NotNil(t, dm.logger)
}

func TestDefaultHookManager_PriorityOrder(t *testing.T) {
	manager := NewHookManager(nil)
	var mu sync.Mutex
	var order []string
	for _, l := range []*mockListener{
		{name: "late", priority: 10},
		{name: "first", priority: 1},
		{name: "middle-a", priority: 5},
		{name: "middle-b", priority: 5},
	} {
		l.mu, l.callOrder = &mu, &order
		manager.Register(EventPreWriteBatch, l)
	}

	records := []core.Record{core.NewRecord("c", nil)}
	err := manager.Trigger(context.Background(), NewPreWriteBatchEvent(PreWriteBatchPayload{WriterID: "w", Records: &records}))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "middle-a", "middle-b", "late"}, order)
}

func TestDefaultHookManager_PreHookCancels(t *testing.T) {
	manager := NewHookManager(nil)
	var mu sync.Mutex
	var order []string
	manager.Register(EventPreWriteBatch, &mockListener{name: "veto", priority: 1, returnErr: errors.New("rejected"), mu: &mu, callOrder: &order})
	manager.Register(EventPreWriteBatch, &mockListener{name: "never", priority: 2, mu: &mu, callOrder: &order})

	records := []core.Record{}
	err := manager.Trigger(context.Background(), NewPreWriteBatchEvent(PreWriteBatchPayload{Records: &records}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
	assert.Equal(t, []string{"veto"}, order)
}

func TestDefaultHookManager_PreHookModifiesBatch(t *testing.T) {
	manager := NewHookManager(nil)
	manager.Register(EventPreWriteBatch, &mockListener{onEventFunc: func(event HookEvent) {
		p := event.Payload().(PreWriteBatchPayload)
		*p.Records = (*p.Records)[:1]
	}})

	records := []core.Record{core.NewRecord("a", nil), core.NewRecord("b", nil)}
	require.NoError(t, manager.Trigger(context.Background(), NewPreWriteBatchEvent(PreWriteBatchPayload{Records: &records})))
	assert.Len(t, records, 1)
}

func TestDefaultHookManager_PostHookErrorsAreLogged(t *testing.T) {
	manager := NewHookManager(nil)
	manager.Register(EventPostWriteBatch, &mockListener{returnErr: errors.New("boom")})
	err := manager.Trigger(context.Background(), NewPostWriteBatchEvent(PostWriteBatchPayload{WriterID: "w"}))
	assert.NoError(t, err)
}

func TestDefaultHookManager_AsyncAndStop(t *testing.T) {
	manager := NewHookManager(nil)
	var calls atomic.Int32
	manager.Register(EventPostBacklogPut, &mockListener{isAsync: true, workDelay: 20 * time.Millisecond, onEventFunc: func(HookEvent) {
		calls.Add(1)
	}})

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	require.NoError(t, manager.Trigger(ctx, NewPostBacklogPutEvent(BacklogPayload{WriterID: "w", Token: "t1"})))
	cancel()
	assert.Less(t, time.Since(start), 20*time.Millisecond, "async listeners must not block Trigger")

	manager.Stop()
	assert.Equal(t, int32(1), calls.Load())
}

func TestDefaultHookManager_NoListeners(t *testing.T) {
	manager := NewHookManager(nil)
	assert.NoError(t, manager.Trigger(context.Background(), NewOnRecordsDroppedEvent(RecordsDroppedPayload{Count: 1})))
}

func TestDefaultHookManager_VetoError(t *testing.T) {
	manager := NewHookManager(nil)
	cause := errors.New("over quota")
	manager.Register(EventPreWriteBatch, ListenerFunc(func(ctx context.Context, event HookEvent) error {
		return cause
	}))

	records := []core.Record{}
	err := manager.Trigger(context.Background(), NewPreWriteBatchEvent(PreWriteBatchPayload{WriterID: "w", Records: &records}))
	require.Error(t, err)
	assert.True(t, IsVeto(err))
	assert.ErrorIs(t, err, cause)

	var veto *VetoError
	require.ErrorAs(t, err, &veto)
	assert.Equal(t, EventPreWriteBatch, veto.Event)
}

func TestDefaultHookManager_ListenerPanic(t *testing.T) {
	manager := NewHookManager(nil)
	manager.Register(EventPreWriteBatch, ListenerFunc(func(ctx context.Context, event HookEvent) error {
		panic("bad listener")
	}))
	manager.Register(EventPostHealthChange, ListenerFunc(func(ctx context.Context, event HookEvent) error {
		panic("bad listener")
	}))

	records := []core.Record{}
	err := manager.Trigger(context.Background(), NewPreWriteBatchEvent(PreWriteBatchPayload{Records: &records}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener panicked")

	assert.NotPanics(t, func() {
		assert.NoError(t, manager.Trigger(context.Background(), NewPostHealthChangeEvent(HealthChangePayload{WriterID: "w"})))
	})
}

func TestEventType_IsPre(t *testing.T) {
	assert.True(t, EventPreWriteBatch.IsPre())
	assert.False(t, EventPostWriteBatch.IsPre())
	assert.False(t, EventOnRecordsDropped.IsPre())
}
