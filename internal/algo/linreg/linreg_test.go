package linreg

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/algo/algotest"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/dispatch"
	"github.com/23skdu/longbow-quiver/internal/policy"
	"github.com/23skdu/longbow-quiver/internal/table"
)

const tol = 1e-8

// responses returns y = x·slopes + intercepts + noise·N(0,1).
func responses(t *testing.T, x *table.Host, slopes *mat.Dense, intercepts []float64, noise float64) *table.Host {
	t.Helper()
	rows, _ := x.Dims()
	_, k := slopes.Dims()
	var y mat.Dense
	y.Mul(x.Dense(), slopes)
	rng := rand.New(rand.NewPCG(11, 13))
	data := make([]float64, 0, rows*k)
	for r := 0; r < rows; r++ {
		for c := 0; c < k; c++ {
			data = append(data, y.At(r, c)+intercepts[c]+noise*rng.NormFloat64())
		}
	}
	h, err := table.NewHost(data, rows, k)
	require.NoError(t, err)
	return h
}

// leastSquares solves min ||A·B - Y|| by QR, with A = [1|X] when intercept.
func leastSquares(t *testing.T, x, y *table.Host, intercept bool) *mat.Dense {
	t.Helper()
	rows, p := x.Dims()
	a := x.Dense()
	if intercept {
		aug := mat.NewDense(rows, p+1, nil)
		for r := 0; r < rows; r++ {
			aug.Set(r, 0, 1)
			for c := 0; c < p; c++ {
				aug.Set(r, c+1, x.Row(r)[c])
			}
		}
		a = aug
	}
	var b mat.Dense
	require.NoError(t, b.Solve(a, y.Dense()))
	return &b
}

func assertModelsEqual(t *testing.T, want, got *Model) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.HasIntercept(), got.HasIntercept())
	assert.True(t, mat.EqualApprox(want.Betas(), got.Betas(), tol), "want %v\ngot  %v",
		mat.Formatted(want.Betas()), mat.Formatted(got.Betas()))
}

func TestTrain_RecoversExactModel(t *testing.T) {
	x := algotest.Table(t, 40, 3, 1)
	slopes := mat.NewDense(3, 1, []float64{1.5, -3, 0.5})
	y := responses(t, x, slopes, []float64{2}, 0)

	res, err := dispatch.Train(context.Background(), policy.NewHost(), NewDescriptor(), Labeled{X: x, Y: y})
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.Rows)
	assert.Equal(t, 3, res.Model.Features())
	assert.Equal(t, 1, res.Model.Responses())
	assert.True(t, res.Model.HasIntercept())
	require.Len(t, res.Intercepts, 1)
	assert.InDelta(t, 2, res.Intercepts[0], tol)
	assert.True(t, mat.EqualApprox(slopes, res.Coefficients, tol))
}

func TestTrain_MatchesLeastSquares(t *testing.T) {
	x := algotest.Table(t, 200, 4, 2)
	slopes := mat.NewDense(4, 2, []float64{1, 0, -2, 1, 0.5, 3, 0, -1})
	y := responses(t, x, slopes, []float64{-1, 4}, 0.3)

	cases := []struct {
		name string
		opts Options
	}{
		{"intercept", AllOptions},
		{"origin", Coefficients},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Descriptor{Options: tc.opts}
			res, err := dispatch.Train(context.Background(), policy.NewHost(), d, Labeled{X: x, Y: y})
			require.NoError(t, err)

			want := leastSquares(t, x, y, tc.opts&Intercept != 0)
			if tc.opts&Intercept != 0 {
				assert.True(t, floats.EqualApprox(mat.Row(nil, 0, want), res.Intercepts, tol))
				want = mat.DenseCopyOf(want.Slice(1, 5, 0, 2))
			} else {
				assert.Nil(t, res.Intercepts)
				assert.Equal(t, []float64{0, 0}, mat.Row(nil, 0, res.Model.Betas()))
			}
			assert.True(t, mat.EqualApprox(want, res.Coefficients, tol), "want %v\ngot  %v",
				mat.Formatted(want), mat.Formatted(res.Coefficients))
		})
	}

	res, err := dispatch.Train(context.Background(), policy.NewHost(), Descriptor{Options: Intercept}, Labeled{X: x, Y: y})
	require.NoError(t, err)
	assert.Nil(t, res.Coefficients)
	assert.Len(t, res.Intercepts, 2)
}

func TestTrain_Errors(t *testing.T) {
	ctx := context.Background()
	p := policy.NewHost()
	d := NewDescriptor()

	x := algotest.Table(t, 3, 4, 3)
	y := responses(t, x, mat.NewDense(4, 1, []float64{1, 1, 1, 1}), []float64{0}, 0)
	_, err := dispatch.Train(ctx, p, d, Labeled{X: x, Y: y})
	assert.ErrorIs(t, err, ErrSingular, "fewer rows than parameters")

	// The third column repeats the first.
	collinear, err := table.FromRows([][]float64{{1, 2, 1}, {2, 1, 2}, {3, 5, 3}, {4, 3, 4}, {5, 8, 5}})
	require.NoError(t, err)
	cy, err := table.FromRows([][]float64{{1}, {2}, {3}, {4}, {5}})
	require.NoError(t, err)
	_, err = dispatch.Train(ctx, p, d, Labeled{X: collinear, Y: cy})
	assert.ErrorIs(t, err, ErrSingular, "collinear features")

	_, err = dispatch.Train(ctx, p, d, Labeled{X: algotest.Table(t, 10, 2, 4), Y: cy})
	assert.ErrorIs(t, err, table.ErrShape)
	_, err = dispatch.Train(ctx, p, d, Labeled{X: collinear})
	assert.ErrorIs(t, err, table.ErrShape)
}

func TestInfer(t *testing.T) {
	ctx := context.Background()
	p := policy.NewHost()
	d := NewDescriptor()

	x := algotest.Table(t, 50, 2, 5)
	slopes := mat.NewDense(2, 1, []float64{0.5, -1})
	y := responses(t, x, slopes, []float64{3}, 0)
	trained, err := dispatch.Train(ctx, p, d, Labeled{X: x, Y: y})
	require.NoError(t, err)

	pred, err := dispatch.Infer(ctx, p, d, trained.Model, x)
	require.NoError(t, err)
	got := pred.Host()
	require.NotNil(t, got)
	assert.True(t, floats.EqualApprox(y.Data(), got.Data(), tol))

	empty, err := table.NewHost(nil, 0, 2)
	require.NoError(t, err)
	pred, err = dispatch.Infer(ctx, p, d, trained.Model, empty)
	require.NoError(t, err)
	rows, cols := pred.Responses.Dims()
	assert.Equal(t, 0, rows)
	assert.Equal(t, 1, cols)

	_, err = dispatch.Infer(ctx, p, d, trained.Model, algotest.Table(t, 5, 3, 6))
	assert.ErrorIs(t, err, table.ErrShape)
	_, err = dispatch.Infer(ctx, p, d, &Model{}, x)
	assert.Error(t, err)
}

func TestDeviceParallel_MatchesHost(t *testing.T) {
	ctx := context.Background()
	d := NewDescriptor()
	x := algotest.Table(t, 120, 3, 7)
	y := responses(t, x, mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6}), []float64{1, -1}, 0.1)

	want, err := dispatch.Train(ctx, policy.NewHost(), d, Labeled{X: x, Y: y})
	require.NoError(t, err)
	wantPred, err := dispatch.Infer(ctx, policy.NewHost(), d, want.Model, x)
	require.NoError(t, err)

	stream := device.NewStreamQueue("linreg-test", 4)
	t.Cleanup(stream.Close)
	for _, q := range []device.Queue{device.NewCPUQueue(), stream} {
		t.Run(q.Name(), func(t *testing.T) {
			p := policy.NewDeviceParallel(q)
			got, err := dispatch.Train(ctx, p, d, Labeled{X: x, Y: y})
			require.NoError(t, err)
			assertModelsEqual(t, want.Model, got.Model)

			xd, err := table.Upload(q, x)
			require.NoError(t, err)
			yd, err := table.Upload(q, y)
			require.NoError(t, err)
			got, err = dispatch.Train(ctx, p, d, Labeled{X: xd, Y: yd})
			require.NoError(t, err)
			assertModelsEqual(t, want.Model, got.Model)

			pred, err := dispatch.Infer(ctx, p, d, got.Model, xd)
			require.NoError(t, err)
			assert.Equal(t, table.DeviceMemory, pred.Responses.Residency())
			assert.True(t, floats.EqualApprox(wantPred.Host().Data(), pred.Host().Data(), tol))

			_, err = dispatch.Train(ctx, policy.NewHost(), d, Labeled{X: xd, Y: yd})
			assert.ErrorIs(t, err, table.ErrResidency)
		})
	}
}

func TestSPMD_MatchesLocal(t *testing.T) {
	d := NewDescriptor()
	x := algotest.Table(t, 150, 3, 8)
	y := responses(t, x, mat.NewDense(3, 1, []float64{2, -1, 0.25}), []float64{5}, 0.2)

	want, err := dispatch.Train(context.Background(), policy.NewHost(), d, Labeled{X: x, Y: y})
	require.NoError(t, err)

	for _, k := range []int{1, 2, 5} {
		xs, ys := algotest.Blocks(t, x, k), algotest.Blocks(t, y, k)

		hostRes := algotest.SPMDHost(t, k, func(ctx context.Context, p policy.SPMDHost) (TrainResult, error) {
			return dispatch.Train(ctx, p, d, Labeled{X: xs[p.Rank()], Y: ys[p.Rank()]})
		})
		devRes := algotest.SPMDDevice(t, k, func(ctx context.Context, p policy.SPMDDevice) (InferResult, error) {
			res, err := dispatch.Train(ctx, p, d, Labeled{X: xs[p.Rank()], Y: ys[p.Rank()]})
			if err != nil {
				return InferResult{}, err
			}
			assertModelsEqual(t, want.Model, res.Model)
			pred, err := dispatch.Infer(ctx, p, d, res.Model, xs[p.Rank()])
			if err != nil {
				return InferResult{}, err
			}
			// Download before the rank's queue is closed.
			return InferResult{Responses: pred.Host()}, nil
		})

		for rank := 0; rank < k; rank++ {
			assert.Equal(t, int64(150), hostRes[rank].Rows)
			assertModelsEqual(t, want.Model, hostRes[rank].Model)

			local, err := dispatch.Infer(context.Background(), policy.NewHost(), d, want.Model, xs[rank])
			require.NoError(t, err)
			assert.True(t, floats.EqualApprox(local.Host().Data(), devRes[rank].Host().Data(), tol))
		}
	}
}

func TestSPMD_FailureReachesEveryRank(t *testing.T) {
	d := NewDescriptor()
	x := algotest.Table(t, 30, 2, 9)
	y := responses(t, x, mat.NewDense(2, 1, []float64{1, 1}), []float64{0}, 0)
	xs, ys := algotest.Blocks(t, x, 3), algotest.Blocks(t, y, 3)

	errs := algotest.SPMDHost(t, 3, func(ctx context.Context, p policy.SPMDHost) (error, error) {
		in := Labeled{X: xs[p.Rank()], Y: ys[p.Rank()]}
		if p.Rank() == 1 {
			in.Y = algotest.Table(t, 1, 1, 12)
		}
		_, err := dispatch.Train(ctx, p, d, in)
		return err, nil
	})
	assert.ErrorIs(t, errs[1], table.ErrShape)
	assert.ErrorIs(t, errs[0], ErrPeerFailed)
	assert.ErrorIs(t, errs[2], ErrPeerFailed)

	widths := algotest.SPMDHost(t, 2, func(ctx context.Context, p policy.SPMDHost) (error, error) {
		xw := algotest.Table(t, 10, 2+p.Rank(), 10)
		_, err := dispatch.Train(ctx, p, d, Labeled{X: xw, Y: ys[0]})
		return err, nil
	})
	for _, err := range widths {
		assert.ErrorIs(t, err, table.ErrShape)
	}
}
