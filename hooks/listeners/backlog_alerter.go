package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusrelay/hooks"
)

// BacklogAlerterListener logs a warning when a writer's backlog reaches a
// number of files, and an info message once it drains below it again.
type BacklogAlerterListener struct {
	logger    *slog.Logger
	threshold int

	mu       sync.Mutex
	alerting map[string]bool
}

// NewBacklogAlerterListener creates a listener warning at threshold files.
func NewBacklogAlerterListener(logger *slog.Logger, threshold int) *BacklogAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if threshold < 1 {
		threshold = 1
	}
	return &BacklogAlerterListener{
		logger:    logger.With("component", "BacklogAlerterListener"),
		threshold: threshold,
		alerting:  make(map[string]bool),
	}
}

// Register subscribes the listener to the backlog events of hm.
func (l *BacklogAlerterListener) Register(hm hooks.HookManager) {
	hm.Register(hooks.EventPostBacklogPut, l)
	hm.Register(hooks.EventPostBacklogRemove, l)
}

// OnEvent handles PostBacklogPut and PostBacklogRemove.
func (l *BacklogAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostBacklogPut && event.Type() != hooks.EventPostBacklogRemove {
		return nil
	}
	payload, ok := event.Payload().(hooks.BacklogPayload)
	if !ok {
		l.logger.Error("Received backlog event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	over := payload.BacklogSize >= l.threshold
	switch {
	case over && !l.alerting[payload.WriterID]:
		l.alerting[payload.WriterID] = true
		l.logger.Warn("Writer backlog is growing",
			"writer_id", payload.WriterID,
			"backlog_files", payload.BacklogSize,
			"threshold", l.threshold,
		)
	case !over && l.alerting[payload.WriterID]:
		delete(l.alerting, payload.WriterID)
		l.logger.Info("Writer backlog is back below threshold",
			"writer_id", payload.WriterID,
			"backlog_files", payload.BacklogSize,
		)
	}
	return nil
}

// Alerting reports whether writerID is currently over the threshold.
func (l *BacklogAlerterListener) Alerting(writerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alerting[writerID]
}

func (l *BacklogAlerterListener) Priority() int { return 100 }

// IsAsync is false so that alert state follows event order.
func (l *BacklogAlerterListener) IsAsync() bool { return false }
