package hooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// EventType names a writer or backlog event.
type EventType string

// IsPre reports whether listeners of the event run synchronously and may
// reject the operation.
func (t EventType) IsPre() bool { return strings.HasPrefix(string(t), "Pre") }

// HookManager dispatches writer events to registered listeners.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event. For Pre
	// events the first listener error aborts the operation and is returned
	// as a *VetoError.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// HookListener receives events from a HookManager.
type HookListener interface {
	// OnEvent handles one event. Errors from Pre events veto the operation;
	// errors from other events are only logged.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync reports whether the listener runs in its own goroutine. Pre
	// events ignore it.
	IsAsync() bool
}

// ListenerFunc adapts a function to a synchronous HookListener with priority 0.
type ListenerFunc func(ctx context.Context, event HookEvent) error

func (f ListenerFunc) OnEvent(ctx context.Context, event HookEvent) error { return f(ctx, event) }
func (f ListenerFunc) Priority() int                                       { return 0 }
func (f ListenerFunc) IsAsync() bool                                       { return false }

// VetoError is returned by Trigger when a Pre listener rejects an operation.
type VetoError struct {
	Event    EventType
	Priority int
	Err      error
}

func (e *VetoError) Error() string {
	return fmt.Sprintf("pre-hook for event %s (priority %d) failed: %v", e.Event, e.Priority, e.Err)
}

func (e *VetoError) Unwrap() error { return e.Err }

// IsVeto reports whether err was produced by a rejecting Pre listener.
func IsVeto(err error) bool {
	var target *VetoError
	return errors.As(err, &target)
}

type registration struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Slices are kept sorted by priority; copy-on-write so Trigger can
	// iterate without holding the lock.
	listeners map[EventType][]registration
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]registration),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type. Listeners with equal
// priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.listeners[eventType]
	next := make([]registration, len(current), len(current)+1)
	copy(next, current)
	next = append(next, registration{listener: listener, priority: listener.Priority()})
	sort.SliceStable(next, func(i, j int) bool { return next[i].priority < next[j].priority })
	m.listeners[eventType] = next
}

// Trigger fires all registered listeners for event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	regs := m.listeners[event.Type()]
	m.mu.RUnlock()

	pre := event.Type().IsPre()
	for _, reg := range regs {
		if pre || !reg.listener.IsAsync() {
			if err := m.call(ctx, reg, event); err != nil {
				if pre {
					return &VetoError{Event: event.Type(), Priority: reg.priority, Err: err}
				}
				m.logger.Error("Error from synchronous hook listener", "event", event.Type(), "priority", reg.priority, "error", err)
			}
			continue
		}

		// Async listeners may outlive the triggering call.
		asyncCtx := context.WithoutCancel(ctx)
		m.wg.Add(1)
		go func(reg registration) {
			defer m.wg.Done()
			if err := m.call(asyncCtx, reg, event); err != nil {
				m.logger.Error("Error from asynchronous hook listener", "event", event.Type(), "priority", reg.priority, "error", err)
			}
		}(reg)
	}
	return nil
}

// call runs one listener, turning a panic into an error so a faulty
// listener cannot stop a writer worker.
func (m *DefaultHookManager) call(ctx context.Context, reg registration, event HookEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return reg.listener.OnEvent(ctx, event)
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
