package device

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var _ Queue = (*StreamQueue)(nil)

// DefaultStreamDepth bounds the number of kernels in flight on a StreamQueue.
const DefaultStreamDepth = 64

// StreamQueue emulates an accelerator stream: kernels run asynchronously, in
// order, on a dedicated worker goroutine. Enqueue blocks only when the stream
// already holds depth pending kernels.
type StreamQueue struct {
	name    string
	kernels chan func()
	slots   *semaphore.Weighted
	pool    bufferPool

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewStreamQueue starts a stream worker. depth <= 0 selects DefaultStreamDepth.
func NewStreamQueue(name string, depth int) *StreamQueue {
	if depth <= 0 {
		depth = DefaultStreamDepth
	}
	q := &StreamQueue{
		name:    name,
		kernels: make(chan func(), depth),
		slots:   semaphore.NewWeighted(int64(depth)),
		done:    make(chan struct{}),
	}
	q.pool.name = name
	go q.run()
	log.Debug().Str("queue", name).Int("depth", depth).Msg("Stream queue started")
	return q
}

func (q *StreamQueue) run() {
	defer close(q.done)
	for kernel := range q.kernels {
		kernel()
		q.slots.Release(1)
	}
}

func (q *StreamQueue) Name() string {
	return q.name
}

func (q *StreamQueue) Valid() bool {
	if q == nil {
		return false
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	return !q.closed
}

func (q *StreamQueue) Alloc(n int) Buffer {
	return q.pool.get(q, n)
}

func (q *StreamQueue) Upload(data []float64) Buffer {
	b := q.pool.get(q, len(data))
	copy(b.data, data)
	return b
}

func (q *StreamQueue) Release(b Buffer) {
	q.pool.put(b)
}

// Enqueue submits a kernel. It panics with ErrInvalidQueue after Close.
func (q *StreamQueue) Enqueue(kernel func()) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		panic(ErrInvalidQueue)
	}
	// Acquire only fails on context cancellation.
	_ = q.slots.Acquire(context.Background(), 1)
	kernelsEnqueued.WithLabelValues(q.name).Inc()
	q.kernels <- kernel
}

// Synchronize enqueues a barrier and waits for it; the stream is FIFO so every
// earlier kernel has completed once the barrier runs.
func (q *StreamQueue) Synchronize() {
	if !q.Valid() {
		return
	}
	syncs.WithLabelValues(q.name).Inc()
	barrier := make(chan struct{})
	q.Enqueue(func() { close(barrier) })
	<-barrier
}

// Close drains pending kernels and stops the worker. Close is idempotent.
func (q *StreamQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.kernels)
	q.mu.Unlock()
	<-q.done
	log.Debug().Str("queue", q.name).Msg("Stream queue closed")
}
