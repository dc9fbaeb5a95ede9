package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/device"
)

var _ Handle = (*Communicator[None])(nil)
var _ Handle = (*Communicator[USM])(nil)

// Communicator is a process-group handle whose memory-access capability is
// fixed by its type parameter. It may be shared by reference across policies,
// but collectives are strictly sequenced per process: concurrent collective
// calls on one Communicator are serialized in arrival order, which is only
// correct if every rank arrives in the same order.
type Communicator[M MemoryAccess] struct {
	backend Backend
	mu      sync.Mutex
}

// New wraps backend in a Communicator with capability M.
func New[M MemoryAccess](backend Backend) (*Communicator[M], error) {
	if backend == nil {
		return nil, ErrNilBackend
	}
	var access M
	if access.Access() == AccessUSM && !backend.DeviceAccess() {
		return nil, fmt.Errorf("%w: backend cannot move device memory", ErrCapabilityMismatch)
	}
	size, rank := backend.RankCount(), backend.Rank()
	if size < 1 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrInvalidRank, rank, size)
	}
	return &Communicator[M]{backend: backend}, nil
}

// Access returns the communicator's memory-access capability.
func (c *Communicator[M]) Access() AccessKind {
	var access M
	return access.Access()
}

func (c *Communicator[M]) Rank() int {
	return c.backend.Rank()
}

func (c *Communicator[M]) RankCount() int {
	return c.backend.RankCount()
}

// Backend returns the underlying messaging backend.
func (c *Communicator[M]) Backend() Backend {
	return c.backend
}

// Send transmits buf to rank dst. Point-to-point traffic is not sequenced
// against collectives.
func (c *Communicator[M]) Send(ctx context.Context, buf []byte, dst, tag int) error {
	if err := c.checkPeer(dst); err != nil {
		return err
	}
	record("send", len(buf))
	return c.backend.Send(ctx, buf, dst, tag)
}

// Recv receives the next buffer sent by rank src under tag.
func (c *Communicator[M]) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	if err := c.checkPeer(src); err != nil {
		return nil, err
	}
	buf, err := c.backend.Recv(ctx, src, tag)
	if err == nil {
		record("recv", len(buf))
	}
	return buf, err
}

// Bcast returns root's buffer on every rank.
func (c *Communicator[M]) Bcast(ctx context.Context, buf []byte, root int) ([]byte, error) {
	if err := c.checkPeer(root); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	record("bcast", len(buf))
	return c.backend.Bcast(ctx, buf, root)
}

// Allgather returns every rank's buffer, indexed by rank.
func (c *Communicator[M]) Allgather(ctx context.Context, buf []byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record("allgather", len(buf))
	return c.backend.Allgather(ctx, buf)
}

// Reduce combines every rank's buffer element-wise. The result is returned on
// root only; other ranks receive nil.
func (c *Communicator[M]) Reduce(ctx context.Context, buf []byte, dt DataType, op ReduceOp, root int) ([]byte, error) {
	if err := c.checkPeer(root); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	record("reduce", len(buf))
	parts, err := c.backend.Allgather(ctx, buf)
	if err != nil {
		return nil, err
	}
	if c.Rank() != root {
		return nil, nil
	}
	return reduceParts(parts, dt, op)
}

// Allreduce combines every rank's buffer element-wise and returns the result
// on every rank.
func (c *Communicator[M]) Allreduce(ctx context.Context, buf []byte, dt DataType, op ReduceOp) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record("allreduce", len(buf))
	parts, err := c.backend.Allgather(ctx, buf)
	if err != nil {
		return nil, err
	}
	return reduceParts(parts, dt, op)
}

// AllreduceFloat64 is Allreduce over a float64 vector.
func (c *Communicator[M]) AllreduceFloat64(ctx context.Context, vals []float64, op ReduceOp) ([]float64, error) {
	out, err := c.Allreduce(ctx, arrow.Float64Traits.CastToBytes(vals), Float64, op)
	if err != nil {
		return nil, err
	}
	res := make([]float64, len(vals))
	copy(res, arrow.Float64Traits.CastFromBytes(out))
	return res, nil
}

func (c *Communicator[M]) checkPeer(rank int) error {
	if rank < 0 || rank >= c.RankCount() {
		return fmt.Errorf("%w: peer %d of %d", ErrInvalidRank, rank, c.RankCount())
	}
	return nil
}

// AllreduceBuffer reduces a device-resident buffer in place across the group.
// Only USM communicators can move device memory, so the capability check
// happens at compile time.
func AllreduceBuffer(ctx context.Context, c *Communicator[USM], buf device.Buffer, op ReduceOp) error {
	buf.Queue().Synchronize()
	shared := buf.Shared()
	out, err := c.AllreduceFloat64(ctx, shared, op)
	if err != nil {
		return err
	}
	copy(shared, out)
	return nil
}

func record(op string, n int) {
	collectives.WithLabelValues(op).Inc()
	bytesMoved.WithLabelValues(op).Add(float64(n))
	log.Debug().Str("op", op).Str("payload", humanize.Bytes(uint64(n))).Msg("Collective")
}
