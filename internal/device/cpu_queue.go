package device

import (
	"sync"
)

// ensure interface compliance
var _ Queue = (*CPUQueue)(nil)
var _ Buffer = (*sharedBuffer)(nil)

// CPUQueue runs kernels inline on the calling goroutine. It is the queue used
// when no accelerator is present; buffers live in ordinary host memory.
type CPUQueue struct {
	pool bufferPool
}

func NewCPUQueue() *CPUQueue {
	q := &CPUQueue{}
	q.pool.name = q.Name()
	return q
}

func (q *CPUQueue) Name() string {
	return "CPU"
}

func (q *CPUQueue) Valid() bool {
	return q != nil
}

func (q *CPUQueue) Alloc(n int) Buffer {
	return q.pool.get(q, n)
}

func (q *CPUQueue) Upload(data []float64) Buffer {
	b := q.pool.get(q, len(data))
	copy(b.data, data)
	return b
}

func (q *CPUQueue) Release(b Buffer) {
	q.pool.put(b)
}

func (q *CPUQueue) Enqueue(kernel func()) {
	kernelsEnqueued.WithLabelValues(q.Name()).Inc()
	kernel()
}

func (q *CPUQueue) Synchronize() {
	// CPU is always synchronous
	syncs.WithLabelValues(q.Name()).Inc()
}

// sharedBuffer backs every queue in this package: device memory is emulated
// by host memory the queue's kernels have exclusive access to between syncs.
type sharedBuffer struct {
	queue Queue
	data  []float64
}

func (b *sharedBuffer) Len() int {
	return len(b.data)
}

func (b *sharedBuffer) Queue() Queue {
	return b.queue
}

func (b *sharedBuffer) Shared() []float64 {
	return b.data
}

func (b *sharedBuffer) ToHost() []float64 {
	b.queue.Synchronize()
	out := make([]float64, len(b.data))
	copy(out, b.data)
	return out
}

func (b *sharedBuffer) CopyFromHost(data []float64) {
	if len(data) != len(b.data) {
		panic("CopyFromHost: size mismatch")
	}
	src := make([]float64, len(data))
	copy(src, data)
	b.queue.Enqueue(func() {
		copy(b.data, src)
	})
}

// bufferPool recycles buffer storage. Retrieved buffers are always zeroed.
type bufferPool struct {
	name string
	pool sync.Pool
}

func (p *bufferPool) get(q Queue, n int) *sharedBuffer {
	v := p.pool.Get()
	b, ok := v.(*sharedBuffer)
	if !ok || b == nil || cap(b.data) < n {
		poolMisses.WithLabelValues(p.name).Inc()
		return &sharedBuffer{queue: q, data: make([]float64, n)}
	}
	poolHits.WithLabelValues(p.name).Inc()
	b.queue = q
	b.data = b.data[:n]
	for i := range b.data {
		b.data[i] = 0
	}
	return b
}

func (p *bufferPool) put(b Buffer) {
	sb, ok := b.(*sharedBuffer)
	if !ok {
		return // Don't pool foreign buffers
	}
	sb.queue = nil
	p.pool.Put(sb)
}
