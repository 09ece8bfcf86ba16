// Package memqueue is an in-memory Queue used by tests and single-node
// deployments. Messages round-trip through the wire envelope so the codec
// path is exercised even without a broker.
package memqueue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/conveyor/message"
	"github.com/c360studio/conveyor/queue"
)

type item struct {
	data     []byte
	readyAt  time.Time
	attempts int
	seq      uint64
	index    int
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is an in-memory delayed queue. The clock is injectable so tests can
// advance virtual time deterministically.
type Queue struct {
	mu       sync.Mutex
	pending  itemHeap
	inflight map[*item]bool
	seq      uint64
	now      func() time.Time
}

// New returns an empty queue on the real clock.
func New() *Queue {
	return NewWithClock(time.Now)
}

// NewWithClock returns an empty queue using the given time source.
func NewWithClock(now func() time.Time) *Queue {
	q := &Queue{
		inflight: make(map[*item]bool),
		now:      now,
	}
	heap.Init(&q.pending)
	return q
}

// Push implements queue.Queue.
func (q *Queue) Push(_ context.Context, msg message.Message, delay time.Duration) error {
	data, err := message.Marshal(msg)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.pending, &item{
		data:    data,
		readyAt: q.now().Add(delay),
		seq:     q.seq,
	})
	return nil
}

// Poll implements queue.Queue.
func (q *Queue) Poll(_ context.Context) (*queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending.Len() == 0 {
		return nil, queue.ErrNoMessages
	}
	next := q.pending[0]
	if next.readyAt.After(q.now()) {
		return nil, queue.ErrNoMessages
	}
	heap.Pop(&q.pending)
	next.attempts++
	q.inflight[next] = true

	msg, err := message.Unmarshal(next.data)
	if err != nil {
		// Undecodable payloads never leave the queue; drop and surface.
		delete(q.inflight, next)
		return nil, fmt.Errorf("poll: %w", err)
	}
	return &queue.Delivery{Message: msg, Attempts: next.attempts, Handle: next}, nil
}

// Ack implements queue.Queue.
func (q *Queue) Ack(_ context.Context, h queue.Handle) error {
	it, ok := h.(*item)
	if !ok {
		return fmt.Errorf("ack: foreign handle %T", h)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.inflight[it] {
		return fmt.Errorf("ack: handle not in flight")
	}
	delete(q.inflight, it)
	return nil
}

// Nack implements queue.Queue.
func (q *Queue) Nack(_ context.Context, h queue.Handle, delay time.Duration) error {
	it, ok := h.(*item)
	if !ok {
		return fmt.Errorf("nack: foreign handle %T", h)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.inflight[it] {
		return fmt.Errorf("nack: handle not in flight")
	}
	delete(q.inflight, it)
	it.readyAt = q.now().Add(delay)
	heap.Push(&q.pending, it)
	return nil
}

// Depth returns the number of pending (not in-flight) messages.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// NextReadyAt returns the earliest pending delivery time, used by test
// harnesses to advance a virtual clock past quiet periods.
func (q *Queue) NextReadyAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return time.Time{}, false
	}
	return q.pending[0].readyAt, true
}
