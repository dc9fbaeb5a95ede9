package linreg

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/algo"
	"github.com/23skdu/longbow-quiver/internal/comm"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/dispatch"
	"github.com/23skdu/longbow-quiver/internal/policy"
	"github.com/23skdu/longbow-quiver/internal/table"
)

// ErrPeerFailed is returned on the ranks whose own input was valid when
// training failed on another rank of the group.
var ErrPeerFailed = errors.New("linreg: training failed on another rank")

func init() {
	dispatch.RegisterTrain(func(_ context.Context, _ policy.Host, d Descriptor, in Labeled) (TrainResult, error) {
		return trainLocal(d, in, gramHost)
	})
	dispatch.RegisterTrain(func(_ context.Context, p policy.DeviceParallel, d Descriptor, in Labeled) (TrainResult, error) {
		return trainLocal(d, in, gramDevice(p.Queue()))
	})
	dispatch.RegisterTrain(func(ctx context.Context, p policy.SPMDHost, d Descriptor, in Labeled) (TrainResult, error) {
		return trainSPMD(ctx, p.Communicator(), d, in, gramHost, func(v []float64) ([]float64, error) {
			return algo.ReduceOnHost(ctx, p.Communicator(), v)
		})
	})
	dispatch.RegisterTrain(func(ctx context.Context, p policy.SPMDDevice, d Descriptor, in Labeled) (TrainResult, error) {
		return trainSPMD(ctx, p.Communicator(), d, in, gramDevice(p.Queue()), func(v []float64) ([]float64, error) {
			return algo.ReduceOnDevice(ctx, p.Communicator(), p.Queue(), v)
		})
	})

	// Inference is row-local under every policy.
	dispatch.RegisterInfer(func(_ context.Context, _ policy.Host, _ Descriptor, m *Model, x table.Table) (InferResult, error) {
		return inferHost(m, x)
	})
	dispatch.RegisterInfer(func(_ context.Context, p policy.DeviceParallel, _ Descriptor, m *Model, x table.Table) (InferResult, error) {
		return inferDevice(p.Queue(), m, x)
	})
	dispatch.RegisterInfer(func(_ context.Context, _ policy.SPMDHost, _ Descriptor, m *Model, x table.Table) (InferResult, error) {
		return inferHost(m, x)
	})
	dispatch.RegisterInfer(func(_ context.Context, p policy.SPMDDevice, _ Descriptor, m *Model, x table.Table) (InferResult, error) {
		return inferDevice(p.Queue(), m, x)
	})
}

// gramFunc computes the packed statistics of one labeled block.
type gramFunc func(in Labeled, p, t, rows int) ([]float64, error)

func gramHost(in Labeled, p, t, rows int) ([]float64, error) {
	x, err := table.HostOf(in.X)
	if err != nil {
		return nil, err
	}
	y, err := table.HostOf(in.Y)
	if err != nil {
		return nil, err
	}
	g := make([]float64, gramSize(p, t))
	accumulateGram(x.Data(), y.Data(), rows, p, t, g)
	return g, nil
}

func gramDevice(q device.Queue) gramFunc {
	return func(in Labeled, p, t, rows int) ([]float64, error) {
		x, releaseX, err := algo.DeviceInput(q, in.X)
		if err != nil {
			return nil, err
		}
		defer releaseX()
		y, releaseY, err := algo.DeviceInput(q, in.Y)
		if err != nil {
			return nil, err
		}
		defer releaseY()

		stats := q.Alloc(gramSize(p, t))
		defer q.Release(stats)
		xb, yb := x.Buffer(), y.Buffer()
		q.Enqueue(func() {
			accumulateGram(xb.Shared(), yb.Shared(), rows, p, t, stats.Shared())
		})
		return stats.ToHost(), nil
	}
}

func trainLocal(d Descriptor, in Labeled, gram gramFunc) (TrainResult, error) {
	p, t, rows, err := checkLabeled(in)
	if err != nil {
		return TrainResult{}, err
	}
	g, err := gram(in, p, t, rows)
	if err != nil {
		return TrainResult{}, err
	}
	model, n, err := solve(d, p, t, g)
	if err != nil {
		return TrainResult{}, err
	}
	return trainResult(d, model, n), nil
}

// trainSPMD sums every rank's normal equations and solves them on each rank,
// so all ranks hold the same model.
func trainSPMD[M comm.MemoryAccess](ctx context.Context, c *comm.Communicator[M], d Descriptor, in Labeled, gram gramFunc, reduce func([]float64) ([]float64, error)) (TrainResult, error) {
	p, t, rows, localErr := checkLabeled(in)
	var g []float64
	if localErr == nil {
		g, localErr = gram(in, p, t, rows)
	}
	if err := agreeShape(ctx, c, p, t, localErr != nil); err != nil {
		if localErr != nil {
			return TrainResult{}, localErr
		}
		return TrainResult{}, err
	}

	sum, err := reduce(g)
	if err != nil {
		return TrainResult{}, err
	}
	model, n, err := solve(d, p, t, sum)
	if err != nil {
		return TrainResult{}, err
	}
	return trainResult(d, model, n), nil
}

// agreeShape fails on every rank when any rank failed locally or the ranks
// disagree on the feature or response width.
func agreeShape[M comm.MemoryAccess](ctx context.Context, c *comm.Communicator[M], p, t int, failed bool) error {
	flag := 0.0
	if failed {
		flag = 1
	}
	out, err := c.AllreduceFloat64(ctx, []float64{float64(p), -float64(p), float64(t), -float64(t), flag}, comm.Max)
	if err != nil {
		return err
	}
	if out[4] > 0 {
		return ErrPeerFailed
	}
	if out[0] != -out[1] || out[2] != -out[3] {
		return fmt.Errorf("%w: ranks disagree on features (%v to %v) or responses (%v to %v)",
			table.ErrShape, -out[1], out[0], -out[3], out[2])
	}
	return nil
}

func inferHost(m *Model, x table.Table) (InferResult, error) {
	if err := checkModel(m, x); err != nil {
		return InferResult{}, err
	}
	h, err := table.HostOf(x)
	if err != nil {
		return InferResult{}, err
	}
	rows, p := h.Dims()
	t := m.Responses()
	if rows == 0 {
		out, err := table.NewHost(nil, 0, t)
		return InferResult{Responses: out}, err
	}

	var y mat.Dense
	y.Mul(h.Dense(), m.betas.Slice(1, p+1, 0, t))
	intercepts := mat.Row(nil, 0, m.betas)
	data := make([]float64, 0, rows*t)
	for r := 0; r < rows; r++ {
		for k := 0; k < t; k++ {
			data = append(data, y.At(r, k)+intercepts[k])
		}
	}
	out, err := table.NewHost(data, rows, t)
	return InferResult{Responses: out}, err
}

// inferDevice leaves the responses resident on q.
func inferDevice(q device.Queue, m *Model, x table.Table) (InferResult, error) {
	if err := checkModel(m, x); err != nil {
		return InferResult{}, err
	}
	in, release, err := algo.DeviceInput(q, x)
	if err != nil {
		return InferResult{}, err
	}
	defer release()

	rows, p := in.Dims()
	t := m.Responses()
	out := q.Alloc(rows * t)
	if rows > 0 {
		weights := q.Upload(mat.DenseCopyOf(m.betas).RawMatrix().Data)
		src := in.Buffer()
		q.Enqueue(func() {
			o, w := out.Shared(), weights.Shared()
			for r := 0; r < rows; r++ {
				copy(o[r*t:(r+1)*t], w[:t])
			}
			blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
				blas64.General{Rows: rows, Cols: p, Stride: p, Data: src.Shared()},
				blas64.General{Rows: p, Cols: t, Stride: t, Data: w[t:]}, 1,
				blas64.General{Rows: rows, Cols: t, Stride: t, Data: o})
		})
		q.Synchronize()
		q.Release(weights)
	}
	res, err := table.OnDevice(out, rows, t)
	if err != nil {
		q.Release(out)
		return InferResult{}, err
	}
	return InferResult{Responses: res}, nil
}
