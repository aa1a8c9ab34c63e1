package hooks

import (
	"time"

	"github.com/INLOpen/nexusrelay/core"
)

const (
	// Delivery events
	EventPreWriteBatch  EventType = "PreWriteBatch"
	EventPostWriteBatch EventType = "PostWriteBatch"

	// Backlog events
	EventPostBacklogPut    EventType = "PostBacklogPut"
	EventPostBacklogRemove EventType = "PostBacklogRemove"

	// Writer state events
	EventPostHealthChange EventType = "PostHealthChange"
	EventOnRecordsDropped EventType = "OnRecordsDropped"
)

// PreWriteBatchPayload is triggered before a batch is handed to a destination.
// Listeners may edit the batch through the pointer.
type PreWriteBatchPayload struct {
	WriterID string
	Records  *[]core.Record
}

func NewPreWriteBatchEvent(payload PreWriteBatchPayload) HookEvent {
	return &BaseEvent{eventType: EventPreWriteBatch, payload: payload}
}

// PostWriteBatchPayload reports the outcome of a delivery attempt.
type PostWriteBatchPayload struct {
	WriterID    string
	Records     []core.Record
	FromBacklog bool
	Duration    time.Duration
	Error       error
}

func NewPostWriteBatchEvent(payload PostWriteBatchPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWriteBatch, payload: payload}
}

// BacklogPayload describes a backlog file that was created or removed.
type BacklogPayload struct {
	WriterID    string
	Token       string
	Records     int
	BacklogSize int // number of files after the operation
}

func NewPostBacklogPutEvent(payload BacklogPayload) HookEvent {
	return &BaseEvent{eventType: EventPostBacklogPut, payload: payload}
}

func NewPostBacklogRemoveEvent(payload BacklogPayload) HookEvent {
	return &BaseEvent{eventType: EventPostBacklogRemove, payload: payload}
}

// HealthChangePayload is triggered when a writer flips between healthy and unhealthy.
type HealthChangePayload struct {
	WriterID string
	Healthy  bool
	Err      error
}

func NewPostHealthChangeEvent(payload HealthChangePayload) HookEvent {
	return &BaseEvent{eventType: EventPostHealthChange, payload: payload}
}

// DropReason explains why records were discarded.
type DropReason string

const (
	DropEmpty         DropReason = "empty"
	DropUnrecoverable DropReason = "unrecoverable"
	DropNoBacklog     DropReason = "backlog_disabled"
	DropVetoed        DropReason = "vetoed"
)

// RecordsDroppedPayload reports records that will never be delivered.
type RecordsDroppedPayload struct {
	WriterID string
	Reason   DropReason
	Count    int
	Err      error
}

func NewOnRecordsDroppedEvent(payload RecordsDroppedPayload) HookEvent {
	return &BaseEvent{eventType: EventOnRecordsDropped, payload: payload}
}
