package device

import "errors"

// ErrInvalidQueue is returned when work is submitted to a queue that was never
// initialized or has already been closed.
var ErrInvalidQueue = errors.New("device: invalid queue")

// Queue is an accelerator execution queue. Kernels enqueued on a queue run in
// submission order; Enqueue may return before the kernel has executed.
type Queue interface {
	// Name returns a short identifier used in logs and metric labels.
	Name() string

	// Valid reports whether the queue accepts work.
	Valid() bool

	// Alloc returns a zeroed buffer of n float64 values resident on the queue.
	Alloc(n int) Buffer

	// Upload copies host data into a new device-resident buffer.
	Upload(data []float64) Buffer

	// Release returns a buffer to the queue's pool.
	Release(b Buffer)

	// Enqueue submits a kernel.
	Enqueue(kernel func())

	// Synchronize blocks until every previously enqueued kernel has completed.
	Synchronize()
}

// Buffer is a float64 array resident in a queue's memory.
type Buffer interface {
	// Len returns the number of elements.
	Len() int

	// Queue returns the queue that owns the buffer.
	Queue() Queue

	// Shared returns the unified (USM) view of the buffer without a host copy.
	// Kernels may read and write it; host code must synchronize the queue first.
	Shared() []float64

	// ToHost synchronizes the owning queue and copies the data to a Go slice.
	ToHost() []float64

	// CopyFromHost overwrites the buffer with data, ordered after pending kernels.
	CopyFromHost(data []float64)
}

// Validate returns ErrInvalidQueue when q cannot accept work.
func Validate(q Queue) error {
	if q == nil || !q.Valid() {
		return ErrInvalidQueue
	}
	return nil
}
