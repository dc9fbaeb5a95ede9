package covariance

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
	dispatch.RegisterCompute(computeHost)
	dispatch.RegisterCompute(computeDevice)
	dispatch.RegisterCompute(computeSPMDHost)
	dispatch.RegisterCompute(computeSPMDDevice)

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
	// Options are checked after the exchange, on every rank's partial, so a
	// rank with a changed mask fails the whole group instead of leaving its
	// peers blocked in the collective.
	dispatch.RegisterFinalizeCompute(func(ctx context.Context, p policy.SPMDHost, d Descriptor, part Partial) (Result, error) {
		return finalizeSPMD(ctx, p.Communicator(), d, part)
	})
	dispatch.RegisterFinalizeCompute(func(ctx context.Context, p policy.SPMDDevice, d Descriptor, part Partial) (Result, error) {
		return finalizeSPMD(ctx, p.Communicator(), d, part)
	})
}

func computeHost(_ context.Context, _ policy.Host, d Descriptor, t table.Table) (Result, error) {
	part, err := partialHost(d, d.NewPartialResult(), t)
	if err != nil {
		return Result{}, err
	}
	return finalize(d, part), nil
}

func computeDevice(_ context.Context, p policy.DeviceParallel, d Descriptor, t table.Table) (Result, error) {
	part, err := partialDevice(p.Queue(), d, d.NewPartialResult(), t)
	if err != nil {
		return Result{}, err
	}
	return finalize(d, part), nil
}

func computeSPMDHost(ctx context.Context, p policy.SPMDHost, d Descriptor, t table.Table) (Result, error) {
	part, err := partialHost(d, d.NewPartialResult(), t)
	if err != nil {
		return Result{}, err
	}
	return finalizeSPMD(ctx, p.Communicator(), d, part)
}

func computeSPMDDevice(ctx context.Context, p policy.SPMDDevice, d Descriptor, t table.Table) (Result, error) {
	part, err := partialDevice(p.Queue(), d, d.NewPartialResult(), t)
	if err != nil {
		return Result{}, err
	}
	return finalizeSPMD(ctx, p.Communicator(), d, part)
}

func partialHost(d Descriptor, prior Partial, block table.Table) (Partial, error) {
	if err := online.CheckOptions(prior.Header, d.Options); err != nil {
		return Partial{}, err
	}
	h, err := table.HostOf(block)
	if err != nil {
		return Partial{}, err
	}
	return accumulateHost(d, prior, h)
}

func partialDevice(q device.Queue, d Descriptor, prior Partial, block table.Table) (Partial, error) {
	if err := online.CheckOptions(prior.Header, d.Options); err != nil {
		return Partial{}, err
	}
	in, release, err := algo.DeviceInput(q, block)
	if err != nil {
		return Partial{}, err
	}
	defer release()

	rows, cols := in.Dims()
	if err := prior.checkBlock(cols); err != nil {
		return Partial{}, err
	}
	out := prior.grow(d, cols)
	out.Header = prior.Next(rows)
	if rows == 0 || cols == 0 {
		return out, nil
	}

	// One kernel produces the block's means followed by its centered cross
	// product.
	stats := q.Alloc(cols + len(out.cross))
	defer q.Release(stats)
	src := in.Buffer()
	q.Enqueue(func() {
		blockMoments(src.Shared(), rows, cols, stats.Shared())
	})
	out.absorb(float64(prior.Rows()), float64(rows), stats.ToHost())
	return out, nil
}

func finalizeLocal(d Descriptor, part Partial) (Result, error) {
	if err := online.CheckOptions(part.Header, d.Options); err != nil {
		return Result{}, err
	}
	return finalize(d, part), nil
}

// finalizeSPMD gathers every rank's partial and merges them in rank order,
// so all ranks derive the same outputs from the same global state.
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
		if global, err = merge(d, global, peer); err != nil {
			return Result{}, err
		}
	}
	return finalize(d, global), nil
}
