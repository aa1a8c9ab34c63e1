package writer

import (
	"sync"

	"github.com/INLOpen/nexusrelay/core"
)

// queue is an unbounded FIFO of records shared by producers and the worker.
type queue struct {
	mu    sync.Mutex
	items []core.Record
}

func (q *queue) Push(records ...core.Record) {
	if len(records) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, records...)
	q.mu.Unlock()
}

// Pop removes and returns at most n records from the head.
func (q *queue) Pop(n int) []core.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	if n <= 0 {
		return nil
	}
	out := make([]core.Record, n)
	copy(out, q.items[:n])
	// Release references held by the backing array.
	clear(q.items[:n])
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return out
}

// DrainAll removes and returns every queued record.
func (q *queue) DrainAll() []core.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
