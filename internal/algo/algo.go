// Package algo holds helpers shared by the algorithm backends: staging inputs
// on a policy's queue and summing packed statistics across ranks.
package algo

import (
	"context"

	"github.com/23skdu/longbow-quiver/internal/comm"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/table"
)

// DeviceInput stages t on q. release frees the staging buffer when t had to be
// uploaded and is a no-op for tables already resident on q.
func DeviceInput(q device.Queue, t table.Table) (d *table.Device, release func(), err error) {
	d, err = table.DeviceOf(q, t)
	if err != nil {
		return nil, nil, err
	}
	if _, uploaded := t.(*table.Host); uploaded {
		return d, func() { q.Release(d.Buffer()) }, nil
	}
	return d, func() {}, nil
}

// ReduceOnDevice sums vals across the group through a buffer on q, the way a
// device backend merges state that already lives in device memory.
func ReduceOnDevice(ctx context.Context, c *comm.Communicator[comm.USM], q device.Queue, vals []float64) ([]float64, error) {
	buf := q.Upload(vals)
	defer q.Release(buf)
	if err := comm.AllreduceBuffer(ctx, c, buf, comm.Sum); err != nil {
		return nil, err
	}
	return buf.ToHost(), nil
}

// ReduceOnHost sums vals across the group.
func ReduceOnHost[M comm.MemoryAccess](ctx context.Context, c *comm.Communicator[M], vals []float64) ([]float64, error) {
	return c.AllreduceFloat64(ctx, vals, comm.Sum)
}
