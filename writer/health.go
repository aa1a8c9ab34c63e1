package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// healthMonitor is the circuit breaker in front of a destination. Once
// unhealthy, the destination is checked at most every interval; at most one
// check runs at a time and concurrent callers get the current state without
// waiting for it.
type healthMonitor struct {
	interval time.Duration
	check    func(ctx context.Context) error
	now      func() time.Time
	logger   *slog.Logger
	// onChange is called outside the lock after every transition.
	onChange func(ctx context.Context, healthy bool, err error)
	// backlogSize is logged when a check fails.
	backlogSize func() int

	mu        sync.Mutex
	healthy   bool
	lastCheck time.Time
	checking  bool
	// gen counts MarkUnhealthy calls. A check only closes the circuit if no
	// failure was reported while it ran.
	gen uint64
}

// IsHealthy reports the destination state, checking it first when it is
// unhealthy and the previous check is older than the interval.
func (h *healthMonitor) IsHealthy(ctx context.Context) bool {
	h.mu.Lock()
	if h.healthy {
		h.mu.Unlock()
		return true
	}
	now := h.now()
	if h.checking || (!h.lastCheck.IsZero() && now.Sub(h.lastCheck) <= h.interval) {
		h.mu.Unlock()
		return false
	}
	h.checking = true
	h.lastCheck = now
	gen := h.gen
	h.mu.Unlock()

	err := h.check(ctx)

	h.mu.Lock()
	h.checking = false
	superseded := h.gen != gen
	if err == nil && !superseded {
		h.healthy = true
	}
	h.mu.Unlock()

	if err != nil {
		size := 0
		if h.backlogSize != nil {
			size = h.backlogSize()
		}
		h.logger.Error("The healthcheck failed", "error", err, "backlog_size", size)
		return false
	}
	if superseded {
		h.logger.Warn("The healthcheck succeeded but a failure was reported meanwhile")
		return false
	}
	h.logger.Info("The healthcheck succeeded")
	if h.onChange != nil {
		h.onChange(ctx, true, nil)
	}
	return true
}

// MarkUnhealthy opens the circuit after a failed delivery. The next check
// happens after a full interval.
func (h *healthMonitor) MarkUnhealthy(ctx context.Context, cause error) {
	h.mu.Lock()
	was := h.healthy
	h.healthy = false
	h.gen++
	h.lastCheck = h.now()
	h.mu.Unlock()

	if was {
		h.logger.Warn("Destination marked unhealthy", "error", cause)
		if h.onChange != nil {
			h.onChange(ctx, false, cause)
		}
	}
}

// Healthy returns the state without running a check.
func (h *healthMonitor) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}
