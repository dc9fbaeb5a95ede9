// Package comm implements the process-group communicator that distributed
// policies wrap. A Communicator is parameterized by its memory-access
// capability: Communicator[None] moves host-resident buffers only, while
// Communicator[USM] may also move buffers resident in device memory.
//
// Every operation is blocking from the calling rank's point of view. All
// ranks of a group must issue collective operations in the same order; the
// package does not insert barriers or match calls across ranks.
package comm

import (
	"context"
	"errors"
)

var (
	// ErrCapabilityMismatch is returned when a communicator is requested with a
	// memory-access capability its backend cannot provide.
	ErrCapabilityMismatch = errors.New("comm: memory-access capability mismatch")

	// ErrInvalidRank is returned for rank identities outside [0, RankCount).
	ErrInvalidRank = errors.New("comm: invalid rank")

	// ErrNotInitialized is returned when a backend is constructed on a runtime
	// that has not been initialized or was already shut down.
	ErrNotInitialized = errors.New("comm: messaging runtime not initialized")

	// ErrCollectiveMismatch is returned when ranks disagree on the collective
	// issued at the same logical step.
	ErrCollectiveMismatch = errors.New("comm: mismatched collective sequence")

	// ErrBufferMismatch is returned when reduction operands differ in length.
	ErrBufferMismatch = errors.New("comm: buffer length mismatch")

	// ErrNilBackend is returned when a communicator is built without a
	// backend.
	ErrNilBackend = errors.New("comm: nil backend")

	// ErrAbandoned is returned to ranks waiting on a collective that another
	// participant gave up on, or that was torn down by a mismatch.
	ErrAbandoned = errors.New("comm: collective abandoned")
)

// AccessKind enumerates memory-access capabilities.
type AccessKind int

const (
	// AccessNone allows host-resident buffers only.
	AccessNone AccessKind = iota
	// AccessUSM allows buffers resident in (unified) device memory.
	AccessUSM
)

func (k AccessKind) String() string {
	switch k {
	case AccessNone:
		return "none"
	case AccessUSM:
		return "usm"
	default:
		return "unknown"
	}
}

// MemoryAccess is the type-level capability tag of a Communicator.
type MemoryAccess interface {
	Access() AccessKind
}

// None tags communicators that may move host-resident buffers only.
type None struct{}

func (None) Access() AccessKind { return AccessNone }

// USM tags communicators that may move device-resident buffers directly.
type USM struct{}

func (USM) Access() AccessKind { return AccessUSM }

// Backend is the messaging layer a Communicator drives. Implementations must
// be safe for use by one goroutine per rank.
type Backend interface {
	// Rank returns the 0-based index of this process in the group.
	Rank() int

	// RankCount returns the number of processes in the group.
	RankCount() int

	// DeviceAccess reports whether the backend can move device-resident
	// buffers without an explicit host copy.
	DeviceAccess() bool

	// Send delivers buf to rank dst under tag.
	Send(ctx context.Context, buf []byte, dst, tag int) error

	// Recv receives the next buffer sent by rank src under tag.
	Recv(ctx context.Context, src, tag int) ([]byte, error)

	// Bcast returns root's buffer on every rank. Non-root buffers are ignored.
	Bcast(ctx context.Context, buf []byte, root int) ([]byte, error)

	// Allgather returns every rank's buffer, indexed by rank. Returned
	// buffers may be shared between ranks and must not be modified.
	Allgather(ctx context.Context, buf []byte) ([][]byte, error)
}

// Handle is the capability-erased view of a communicator, used where the
// memory-access tag is only known at run time.
type Handle interface {
	Access() AccessKind
	Rank() int
	RankCount() int
}
