package basicstats

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/algo"
	"github.com/23skdu/longbow-quiver/internal/comm"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/dispatch"
	"github.com/23skdu/longbow-quiver/internal/online"
	"github.com/23skdu/longbow-quiver/internal/policy"
	"github.com/23skdu/longbow-quiver/internal/table"
)

func init() {
	dispatch.RegisterCompute(func(_ context.Context, _ policy.Host, d Descriptor, t table.Table) (Result, error) {
		return d.finish(partialHost(d, d.NewPartialResult(), t))
	})
	dispatch.RegisterCompute(func(_ context.Context, p policy.DeviceParallel, d Descriptor, t table.Table) (Result, error) {
		return d.finish(partialDevice(p.Queue(), d, d.NewPartialResult(), t))
	})
	dispatch.RegisterCompute(func(ctx context.Context, p policy.SPMDHost, d Descriptor, t table.Table) (Result, error) {
		part, err := partialHost(d, d.NewPartialResult(), t)
		if err != nil {
			return Result{}, err
		}
		return finalizeSPMD(ctx, p.Communicator(), d, part)
	})
	dispatch.RegisterCompute(func(ctx context.Context, p policy.SPMDDevice, d Descriptor, t table.Table) (Result, error) {
		part, err := partialDevice(p.Queue(), d, d.NewPartialResult(), t)
		if err != nil {
			return Result{}, err
		}
		return finalizeSPMD(ctx, p.Communicator(), d, part)
	})

	dispatch.RegisterPartialCompute(func(_ context.Context, _ policy.Host, d Descriptor, prior Partial, block table.Table) (Partial, error) {
		return partialHost(d, prior, block)
	})
	dispatch.RegisterPartialCompute(func(_ context.Context, p policy.DeviceParallel, d Descriptor, prior Partial, block table.Table) (Partial, error) {
		return partialDevice(p.Queue(), d, prior, block)
	})
	dispatch.RegisterPartialCompute(func(_ context.Context, _ policy.SPMDHost, d Descriptor, prior Partial, block table.Table) (Partial, error) {
		return partialHost(d, prior, block)
	})
	dispatch.RegisterPartialCompute(func(_ context.Context, p policy.SPMDDevice, d Descriptor, prior Partial, block table.Table) (Partial, error) {
		return partialDevice(p.Queue(), d, prior, block)
	})

	dispatch.RegisterFinalizeCompute(func(_ context.Context, _ policy.Host, d Descriptor, part Partial) (Result, error) {
		return finalizeLocal(d, part)
	})
	dispatch.RegisterFinalizeCompute(func(_ context.Context, _ policy.DeviceParallel, d Descriptor, part Partial) (Result, error) {
		return finalizeLocal(d, part)
	})
	dispatch.RegisterFinalizeCompute(func(ctx context.Context, p policy.SPMDHost, d Descriptor, part Partial) (Result, error) {
		return finalizeSPMD(ctx, p.Communicator(), d, part)
	})
	dispatch.RegisterFinalizeCompute(func(ctx context.Context, p policy.SPMDDevice, d Descriptor, part Partial) (Result, error) {
		return finalizeSPMD(ctx, p.Communicator(), d, part)
	})
}

func (d Descriptor) finish(part Partial, err error) (Result, error) {
	if err != nil {
		return Result{}, err
	}
	return finalize(d, part), nil
}

func finalizeLocal(d Descriptor, part Partial) (Result, error) {
	if err := online.CheckOptions(part.Header, d.Options); err != nil {
		return Result{}, err
	}
	return finalize(d, part), nil
}

func checkBlock(d Descriptor, prior Partial, cols int) error {
	if err := online.CheckOptions(prior.Header, d.Options); err != nil {
		return err
	}
	if prior.cols != 0 && prior.cols != cols {
		return fmt.Errorf("%w: block has %d columns, accumulated %d", table.ErrShape, cols, prior.cols)
	}
	return nil
}

func partialHost(d Descriptor, prior Partial, block table.Table) (Partial, error) {
	h, err := table.HostOf(block)
	if err != nil {
		return Partial{}, err
	}
	rows, cols := h.Dims()
	if err := checkBlock(d, prior, cols); err != nil {
		return Partial{}, err
	}
	flat := make([]float64, d.aggregates().width(cols))
	summarize(d.aggregates(), h.Data(), rows, cols, flat)
	return merge(prior, fromFlat(d, rows, cols, flat))
}

func partialDevice(q device.Queue, d Descriptor, prior Partial, block table.Table) (Partial, error) {
	in, release, err := algo.DeviceInput(q, block)
	if err != nil {
		return Partial{}, err
	}
	defer release()

	rows, cols := in.Dims()
	if err := checkBlock(d, prior, cols); err != nil {
		return Partial{}, err
	}
	a := d.aggregates()
	if cols == 0 {
		return merge(prior, fromFlat(d, rows, 0, nil))
	}
	stats := q.Alloc(a.width(cols))
	defer q.Release(stats)
	src := in.Buffer()
	q.Enqueue(func() {
		summarize(a, src.Shared(), rows, cols, stats.Shared())
	})
	return merge(prior, fromFlat(d, rows, cols, stats.ToHost()))
}

// finalizeSPMD gathers every rank's encoded partial and merges them in rank
// order, so all ranks derive the same result from the same sequence. Options
// are checked after the exchange so a mismatch fails on every rank.
func finalizeSPMD[M comm.MemoryAccess](ctx context.Context, c *comm.Communicator[M], d Descriptor, part Partial) (Result, error) {
	local, err := part.MarshalBinary()
	if err != nil {
		return Result{}, err
	}
	all, err := c.Allgather(ctx, local)
	if err != nil {
		return Result{}, err
	}

	global := d.NewPartialResult()
	for rank, data := range all {
		peer, err := decodePartial(d, data)
		if err != nil {
			return Result{}, fmt.Errorf("rank %d: %w", rank, err)
		}
		if global, err = merge(global, peer); err != nil {
			return Result{}, err
		}
	}
	return finalize(d, global), nil
}
