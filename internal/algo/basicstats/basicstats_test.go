package basicstats

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-quiver/internal/algo/algotest"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/dispatch"
	"github.com/23skdu/longbow-quiver/internal/online"
	"github.com/23skdu/longbow-quiver/internal/policy"
	"github.com/23skdu/longbow-quiver/internal/table"
)

const tol = 1e-9

func stats(r Result) map[string][]float64 {
	return map[string][]float64{
		"min":       r.Min,
		"max":       r.Max,
		"sum":       r.Sum,
		"sum2":      r.SumSquares,
		"sum2c":     r.SumSquaresCentered,
		"mean":      r.Mean,
		"moment2":   r.SecondOrderRawMoment,
		"variance":  r.Variance,
		"stddev":    r.StandardDeviation,
		"variation": r.VariationCoefficient,
	}
}

func assertResultsEqual(t *testing.T, want, got Result) {
	t.Helper()
	assert.Equal(t, want.Rows(), got.Rows())
	g := stats(got)
	for name, w := range stats(want) {
		if w == nil {
			assert.Nil(t, g[name], name)
			continue
		}
		require.Len(t, g[name], len(w), name)
		for i := range w {
			if math.IsNaN(w[i]) {
				assert.True(t, math.IsNaN(g[name][i]), "%s[%d] = %v", name, i, g[name][i])
				continue
			}
			assert.InDelta(t, w[i], g[name][i], tol*math.Max(1, math.Abs(w[i])), "%s[%d]", name, i)
		}
	}
}

func fold(t *testing.T, p policy.Policy, d Descriptor, blocks []*table.Host) Result {
	t.Helper()
	in := make([]table.Table, len(blocks))
	for i, b := range blocks {
		in[i] = b
	}
	res, err := online.Fold(context.Background(), p, d, in)
	require.NoError(t, err)
	return res
}

func TestCompute_MatchesReference(t *testing.T) {
	h := algotest.Table(t, 50, 3, 1)
	res, err := dispatch.Compute(context.Background(), policy.NewHost(), NewDescriptor(), h)
	require.NoError(t, err)
	require.True(t, res.Defined())
	assert.Equal(t, online.Finalized, res.Stage())

	for c := 0; c < 3; c++ {
		col := mat.Col(nil, c, h.Dense())
		mean, variance := stat.MeanVariance(col, nil)
		sq := floats.Dot(col, col)

		assert.InDelta(t, floats.Min(col), res.Min[c], tol)
		assert.InDelta(t, floats.Max(col), res.Max[c], tol)
		assert.InDelta(t, floats.Sum(col), res.Sum[c], tol)
		assert.InDelta(t, sq, res.SumSquares[c], tol)
		assert.InDelta(t, variance*49, res.SumSquaresCentered[c], tol)
		assert.InDelta(t, mean, res.Mean[c], tol)
		assert.InDelta(t, sq/50, res.SecondOrderRawMoment[c], tol)
		assert.InDelta(t, variance, res.Variance[c], tol)
		assert.InDelta(t, math.Sqrt(variance), res.StandardDeviation[c], tol)
		assert.InDelta(t, math.Sqrt(variance)/mean, res.VariationCoefficient[c], tol)
	}
}

func TestOnline_MatchesMonolithic(t *testing.T) {
	h := algotest.Table(t, 100, 4, 2)
	p := policy.NewHost()

	masks := []Options{Min | Max, Mean, Variance, SumSquares | SecondOrderRawMoment, AllOptions}
	for _, mask := range masks {
		d := Descriptor{Options: mask}
		want, err := dispatch.Compute(context.Background(), p, d, h)
		require.NoError(t, err)

		for _, n := range []int{1, 4, 37} {
			got := fold(t, p, d, algotest.Blocks(t, h, n))
			assert.Equal(t, n, got.Blocks())
			assertResultsEqual(t, want, got)
		}
	}
}

func TestOnline_OrderIndependent(t *testing.T) {
	h := algotest.Table(t, 60, 3, 3)
	p := policy.NewHost()
	d := NewDescriptor()

	blocks := algotest.Blocks(t, h, 7)
	want := fold(t, p, d, blocks)

	rng := rand.New(rand.NewPCG(3, 9))
	for i := 0; i < 5; i++ {
		shuffled := append([]*table.Host(nil), blocks...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assertResultsEqual(t, want, fold(t, p, d, shuffled))
	}
}

func TestFinalize_Empty(t *testing.T) {
	ctx := context.Background()
	p := policy.NewHost()
	d := NewDescriptor()

	res, err := dispatch.FinalizeCompute(ctx, p, d, d.NewPartialResult())
	require.NoError(t, err)
	assert.False(t, res.Defined())
	assert.Nil(t, res.Mean)

	empty, err := table.NewHost(nil, 0, 2)
	require.NoError(t, err)
	part, err := dispatch.PartialCompute(ctx, p, d, d.NewPartialResult(), empty)
	require.NoError(t, err)
	assert.Equal(t, online.Accumulating, part.Stage())
	res, err = dispatch.FinalizeCompute(ctx, p, d, part)
	require.NoError(t, err)
	assert.False(t, res.Defined())
	for name, v := range stats(res) {
		require.Len(t, v, 2, name)
		assert.True(t, math.IsNaN(v[0]), name)
	}

	// A single row has no sample variance.
	one, err := table.FromRows([][]float64{{1, 2}})
	require.NoError(t, err)
	res, err = dispatch.Compute(ctx, p, d, one)
	require.NoError(t, err)
	assert.True(t, res.Defined())
	assert.Equal(t, []float64{1, 2}, res.Mean)
	assert.True(t, math.IsNaN(res.Variance[0]))
}

func TestResultOptions_Selectivity(t *testing.T) {
	ctx := context.Background()
	h := algotest.Table(t, 20, 5, 4)
	p := policy.NewHost()

	cases := []struct {
		opts  Options
		state int
	}{
		{Min, 5},
		{Min | Max, 10},
		{Mean, 5},
		{SumSquares | SecondOrderRawMoment, 5},
		{Variance, 10},
		{AllOptions, 25},
	}
	for _, tc := range cases {
		d := Descriptor{Options: tc.opts}
		part, err := dispatch.PartialCompute(ctx, p, d, d.NewPartialResult(), h)
		require.NoError(t, err)
		assert.Equal(t, tc.state, part.StateSize(), "%#x", tc.opts)
	}

	d := Descriptor{Options: Max | Variance}
	res, err := dispatch.Compute(ctx, p, d, h)
	require.NoError(t, err)
	for name, v := range stats(res) {
		if name == "max" || name == "variance" {
			assert.Len(t, v, 5, name)
			continue
		}
		assert.Nil(t, v, name)
	}
}

func TestPartial_BadBlockKeepsPrior(t *testing.T) {
	ctx := context.Background()
	p := policy.NewHost()
	d := NewDescriptor()
	h := algotest.Table(t, 10, 3, 5)

	part, err := dispatch.PartialCompute(ctx, p, d, d.NewPartialResult(), h)
	require.NoError(t, err)
	before := fold(t, p, d, []*table.Host{h})

	_, err = dispatch.PartialCompute(ctx, p, d, part, algotest.Table(t, 4, 2, 6))
	assert.ErrorIs(t, err, table.ErrShape)

	res, err := dispatch.FinalizeCompute(ctx, p, d, part)
	require.NoError(t, err)
	assertResultsEqual(t, before, res)

	_, err = dispatch.FinalizeCompute(ctx, p, Descriptor{Options: Mean}, part)
	assert.ErrorIs(t, err, online.ErrOptionsChanged)
}

func TestPartial_WireRoundTrip(t *testing.T) {
	d := Descriptor{Options: Min | Variance}
	h := algotest.Table(t, 12, 2, 7)
	part, err := dispatch.PartialCompute(context.Background(), policy.NewHost(), d, d.NewPartialResult(), h)
	require.NoError(t, err)

	data, err := part.MarshalBinary()
	require.NoError(t, err)
	got, err := decodePartial(d, data)
	require.NoError(t, err)
	assert.Equal(t, part.Rows(), got.Rows())
	assert.Equal(t, part.Blocks(), got.Blocks())
	assertResultsEqual(t, finalize(d, part), finalize(d, got))

	_, err = decodePartial(Descriptor{Options: Min}, data)
	assert.ErrorIs(t, err, online.ErrOptionsChanged)
	_, err = decodePartial(d, []byte{0xff})
	assert.Error(t, err)
}

func TestDeviceParallel_MatchesHost(t *testing.T) {
	ctx := context.Background()
	h := algotest.Table(t, 80, 4, 8)
	d := NewDescriptor()

	want, err := dispatch.Compute(ctx, policy.NewHost(), d, h)
	require.NoError(t, err)

	stream := device.NewStreamQueue("stats-test", 4)
	t.Cleanup(stream.Close)
	for _, q := range []device.Queue{device.NewCPUQueue(), stream} {
		t.Run(q.Name(), func(t *testing.T) {
			p := policy.NewDeviceParallel(q)
			got, err := dispatch.Compute(ctx, p, d, h)
			require.NoError(t, err)
			assertResultsEqual(t, want, got)

			resident, err := table.Upload(q, h)
			require.NoError(t, err)
			got, err = dispatch.Compute(ctx, p, d, resident)
			require.NoError(t, err)
			assertResultsEqual(t, want, got)

			assertResultsEqual(t, want, fold(t, p, d, algotest.Blocks(t, h, 9)))
		})
	}
}

func TestSPMD_MatchesLocal(t *testing.T) {
	h := algotest.Table(t, 90, 3, 9)
	d := NewDescriptor()

	want, err := dispatch.Compute(context.Background(), policy.NewHost(), d, h)
	require.NoError(t, err)

	for _, k := range []int{1, 2, 5} {
		parts := algotest.Blocks(t, h, k)

		hostRes := algotest.SPMDHost(t, k, func(ctx context.Context, p policy.SPMDHost) (Result, error) {
			return dispatch.Compute(ctx, p, d, parts[p.Rank()])
		})
		devRes := algotest.SPMDDevice(t, k, func(ctx context.Context, p policy.SPMDDevice) (Result, error) {
			return dispatch.Compute(ctx, p, d, parts[p.Rank()])
		})
		onlineRes := algotest.SPMDDevice(t, k, func(ctx context.Context, p policy.SPMDDevice) (Result, error) {
			blocks := algotest.Blocks(t, parts[p.Rank()], 2)
			in := make([]table.Table, len(blocks))
			for i, b := range blocks {
				in[i] = b
			}
			return online.Fold(ctx, p, d, in)
		})

		for rank := 0; rank < k; rank++ {
			assertResultsEqual(t, want, hostRes[rank])
			assertResultsEqual(t, want, devRes[rank])
			assertResultsEqual(t, want, onlineRes[rank])
		}
	}
}

func TestSPMD_EmptyRanks(t *testing.T) {
	h := algotest.Table(t, 8, 2, 10)
	d := NewDescriptor()
	want, err := dispatch.Compute(context.Background(), policy.NewHost(), d, h)
	require.NoError(t, err)

	res := algotest.SPMDHost(t, 4, func(ctx context.Context, p policy.SPMDHost) (Result, error) {
		part := d.NewPartialResult()
		if p.Rank() == 2 {
			var err error
			if part, err = dispatch.PartialCompute(ctx, p, d, part, h); err != nil {
				return Result{}, err
			}
		}
		return dispatch.FinalizeCompute(ctx, p, d, part)
	})
	for _, r := range res {
		assertResultsEqual(t, want, r)
	}
}

func TestSPMD_Mismatch(t *testing.T) {
	err := algotest.SPMDHostErr(t, 3, func(ctx context.Context, p policy.SPMDHost) error {
		h := algotest.Table(t, 5, 2+p.Rank()%2, 11)
		_, err := dispatch.Compute(ctx, p, NewDescriptor(), h)
		return err
	})
	assert.ErrorIs(t, err, table.ErrShape)

	err = algotest.SPMDHostErr(t, 2, func(ctx context.Context, p policy.SPMDHost) error {
		d := NewDescriptor()
		if p.Rank() == 1 {
			d.Options = Mean
		}
		_, err := dispatch.Compute(ctx, p, d, algotest.Table(t, 5, 2, 12))
		return err
	})
	assert.ErrorIs(t, err, online.ErrOptionsChanged)
}
