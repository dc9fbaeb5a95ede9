package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/comm"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/policy"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	return 0
}

// backend records which policy kind a fake algorithm was routed to.
type backend struct {
	mock.Mock
}

func (b *backend) run(kind policy.Kind, in []float64) (float64, error) {
	args := b.Called(kind, in)
	return args.Get(0).(float64), args.Error(1)
}

var fake = &backend{}

// sumDesc is a fake compute algorithm with online support under host only.
type sumDesc struct{}

type sumPartial struct {
	n     int
	total float64
}

func (sumDesc) Algorithm() string            { return "sum" }
func (sumDesc) NewComputeResult() float64    { return 0 }
func (sumDesc) NewPartialResult() sumPartial { return sumPartial{} }

func (sumDesc) accumulate(s sumPartial, x float64) sumPartial {
	return sumPartial{n: s.n + 1, total: s.total + x}
}

// meanDesc is a fake train/infer algorithm.
type meanDesc struct{}

type meanModel struct{ mean float64 }

func (meanDesc) Algorithm() string         { return "mean" }
func (meanDesc) NewTrainResult() meanModel { return meanModel{} }
func (meanDesc) NewInferResult() []float64 { return nil }

// dupDesc only exists to exercise duplicate registration.
type dupDesc struct{}

func (dupDesc) Algorithm() string { return "dup" }

var errBoom = errors.New("boom")

func init() {
	RegisterCompute(func(_ context.Context, p policy.Host, _ sumDesc, in []float64) (float64, error) {
		return fake.run(p.Kind(), in)
	})
	RegisterCompute(func(_ context.Context, p policy.SPMDHost, _ sumDesc, in []float64) (float64, error) {
		return fake.run(p.Kind(), in)
	})
	RegisterCompute(func(_ context.Context, p policy.DeviceParallel, _ sumDesc, in []float64) (float64, error) {
		return fake.run(p.Kind(), in)
	})
	RegisterPartialCompute(func(_ context.Context, _ policy.Host, d sumDesc, prior sumPartial, block []float64) (sumPartial, error) {
		out := prior
		for _, x := range block {
			out = d.accumulate(out, x)
		}
		return out, nil
	})
	RegisterFinalizeCompute(func(_ context.Context, _ policy.Host, _ sumDesc, s sumPartial) (float64, error) {
		return s.total, nil
	})

	RegisterTrain(func(_ context.Context, _ policy.Host, _ meanDesc, in []float64) (meanModel, error) {
		if len(in) == 0 {
			return meanModel{}, errBoom
		}
		var s float64
		for _, x := range in {
			s += x
		}
		return meanModel{mean: s / float64(len(in))}, nil
	})
	RegisterInfer(func(_ context.Context, _ policy.Host, _ meanDesc, m meanModel, in []float64) ([]float64, error) {
		out := make([]float64, len(in))
		for i, x := range in {
			out[i] = x - m.mean
		}
		return out, nil
	})
}

func spmdHost(t *testing.T) policy.SPMDHost {
	t.Helper()
	g, err := comm.NewLocalGroup(1)
	require.NoError(t, err)
	require.NoError(t, g.Runtime().Init(context.Background()))
	t.Cleanup(func() { _ = g.Runtime().Shutdown() })
	b, err := g.Backend(0)
	require.NoError(t, err)
	c, err := comm.New[comm.None](b)
	require.NoError(t, err)
	return policy.NewSPMD(policy.NewHost(), c)
}

func TestCompute_RoutesByPolicyKind(t *testing.T) {
	ctx := context.Background()
	in := []float64{1, 2, 3}

	policies := []policy.Policy{
		policy.NewHost(),
		policy.NewDeviceParallel(device.NewCPUQueue()),
		spmdHost(t),
	}
	for _, p := range policies {
		fake.On("run", p.Kind(), in).Return(float64(p.Kind()), nil).Once()
	}

	for _, p := range policies {
		t.Run(p.Kind().String(), func(t *testing.T) {
			got, err := Compute(ctx, p, sumDesc{}, in)
			require.NoError(t, err)
			assert.Equal(t, float64(p.Kind()), got)
		})
	}
	fake.AssertExpectations(t)
}

func TestCompute_Unsupported(t *testing.T) {
	ctx := context.Background()

	t.Run("no backend for kind", func(t *testing.T) {
		before := getMetricValue(unsupported.WithLabelValues("compute"))
		// sumDesc has no spmd<device-parallel> backend.
		assert.False(t, Supported(policy.KindSPMDDeviceParallel, sumDesc{}, OpCompute))
		_, err := Compute(ctx, policy.SPMDDevice{}, sumDesc{}, []float64{1})
		assert.ErrorIs(t, err, ErrUnsupported)
		assert.Equal(t, before+1, getMetricValue(unsupported.WithLabelValues("compute")))
	})

	t.Run("no backend for op", func(t *testing.T) {
		assert.False(t, Supported(policy.KindHost, meanDesc{}, OpCompute))
		_, err := PartialCompute(ctx, policy.NewDeviceParallel(nil), sumDesc{}, sumPartial{}, []float64{1})
		assert.ErrorIs(t, err, ErrUnsupported)
	})

	t.Run("input type mismatch", func(t *testing.T) {
		_, err := Compute(ctx, policy.NewHost(), sumDesc{}, []int{1, 2})
		assert.ErrorIs(t, err, ErrUnsupported)
	})

	t.Run("nil policy", func(t *testing.T) {
		_, err := Compute(ctx, nil, sumDesc{}, []float64{1})
		assert.ErrorIs(t, err, ErrUnsupported)
	})
}

func TestCompute_ErrorPropagatesUnchanged(t *testing.T) {
	in := []float64{4}
	fake.On("run", policy.KindHost, in).Return(0.0, errBoom).Once()

	before := getMetricValue(calls.WithLabelValues("compute", "host", "sum", "error"))
	_, err := Compute(context.Background(), policy.NewHost(), sumDesc{}, in)
	assert.True(t, err == errBoom, "backend error must not be wrapped, got %v", err)
	assert.Equal(t, before+1, getMetricValue(calls.WithLabelValues("compute", "host", "sum", "error")))
	fake.AssertExpectations(t)
}

func TestOnline_PartialThenFinalize(t *testing.T) {
	ctx := context.Background()
	p := policy.NewHost()
	desc := sumDesc{}

	part := desc.NewPartialResult()
	for _, block := range [][]float64{{1, 2}, {3}, {4, 5, 6}} {
		next, err := PartialCompute(ctx, p, desc, part, block)
		require.NoError(t, err)
		assert.Equal(t, part.n+len(block), next.n)
		part = next
	}
	total, err := FinalizeCompute(ctx, p, desc, part)
	require.NoError(t, err)
	assert.Equal(t, 21.0, total)
}

func TestTrainInfer(t *testing.T) {
	ctx := context.Background()
	p := policy.NewHost()

	model, err := Train(ctx, p, meanDesc{}, []float64{2, 4, 6})
	require.NoError(t, err)
	assert.Equal(t, 4.0, model.mean)

	out, err := Infer(ctx, p, meanDesc{}, model, []float64{5, 3})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -1}, out)

	_, err = Train(ctx, p, meanDesc{}, []float64{})
	assert.ErrorIs(t, err, errBoom)

	_, err = Infer(ctx, p, meanDesc{}, "not a model", []float64{1})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestRegister_DuplicatePanics(t *testing.T) {
	fn := func(context.Context, policy.Host, dupDesc, int) (int, error) { return 0, nil }
	RegisterCompute(fn)
	assert.Panics(t, func() { RegisterCompute(fn) })
	assert.NotPanics(t, func() {
		RegisterCompute(func(context.Context, policy.DeviceParallel, dupDesc, int) (int, error) { return 0, nil })
	})
}

func TestRoutes_Unique(t *testing.T) {
	seen := make(map[Route]bool)
	for _, r := range Routes() {
		assert.False(t, seen[r], "route %+v listed twice", r)
		seen[r] = true
		assert.NotEmpty(t, r.Algorithm)
	}

	for _, k := range policy.Kinds {
		for _, op := range Ops {
			want := false
			for r := range seen {
				if r.Kind == k && r.Op == op && r.Algorithm == "sum" {
					want = true
				}
			}
			assert.Equal(t, want, Supported(k, sumDesc{}, op), "%s %s", k, op)
		}
	}
}
