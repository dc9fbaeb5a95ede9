package main

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quiver/internal/comm"
	"github.com/23skdu/longbow-quiver/internal/comm/flightcomm"
	"github.com/23skdu/longbow-quiver/internal/dispatch"
	"github.com/23skdu/longbow-quiver/internal/policy"
	"github.com/23skdu/longbow-quiver/internal/table"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    policyChoice
		wantErr bool
	}{
		{in: "", want: policyChoice{}},
		{in: "host", want: policyChoice{}},
		{in: " Device ", want: policyChoice{device: true}},
		{in: "device-parallel", want: policyChoice{device: true}},
		{in: "spmd-host", want: policyChoice{distributed: true}},
		{in: "spmd", want: policyChoice{distributed: true}},
		{in: "spmd-device", want: policyChoice{device: true, distributed: true}},
		{in: "gpu", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "spmd-device", policyChoice{device: true, distributed: true}.String())
	assert.Equal(t, "device", policyChoice{device: true}.String())
}

func testData(t *testing.T) *table.Host {
	t.Helper()
	h, err := synthetic(600, 3, 7)
	require.NoError(t, err)
	return h
}

func assertTablesClose(t *testing.T, want, got *table.Host) {
	t.Helper()
	require.NotNil(t, got)
	wr, wc := want.Dims()
	gr, gc := got.Dims()
	require.Equal(t, wr, gr)
	require.Equal(t, wc, gc)
	assert.Equal(t, want.Names(), got.Names())
	for i, w := range want.Data() {
		g := got.Data()[i]
		if math.IsNaN(w) {
			assert.True(t, math.IsNaN(g), "value %d", i)
			continue
		}
		assert.InDelta(t, w, g, 1e-9*math.Max(1, math.Abs(w)), "value %d", i)
	}
}

func TestJob_RunHostAndDevice(t *testing.T) {
	data := testData(t)
	ctx := context.Background()

	for _, algo := range []string{"covariance", "basicstats", "linreg"} {
		t.Run(algo, func(t *testing.T) {
			j := job{algo: algo, blocks: 1}
			want, err := j.run(ctx, policy.NewHost(), data)
			require.NoError(t, err)

			p, release := policyChoice{device: true}.local("test", 2)
			defer release()
			got, err := j.run(ctx, p, data)
			require.NoError(t, err)
			assertTablesClose(t, want, got)

			if algo == "linreg" {
				return
			}
			j.blocks = 7
			folded, err := j.run(ctx, policy.NewHost(), data)
			require.NoError(t, err)
			assertTablesClose(t, want, folded)
		})
	}
}

func TestJob_Layout(t *testing.T) {
	data := testData(t)
	ctx := context.Background()

	cov, err := job{algo: "covariance"}.run(ctx, policy.NewHost(), data)
	require.NoError(t, err)
	rows, _ := cov.Dims()
	assert.Equal(t, 3, rows)
	assert.Equal(t, []string{"mean", "cov_x0", "cov_x1", "cov_x2", "cor_x0", "cor_x1", "cor_x2"}, cov.Names())

	stats, err := job{algo: "basicstats"}.run(ctx, policy.NewHost(), data)
	require.NoError(t, err)
	assert.Contains(t, stats.Names(), "variation_coefficient")
	rows, _ = stats.Dims()
	assert.Equal(t, 3, rows)

	fit, err := job{algo: "linreg", target: "x0"}.run(ctx, policy.NewHost(), data)
	require.NoError(t, err)
	assert.Equal(t, []string{"intercept", "x1", "x2"}, fit.Names())
	rows, _ = fit.Dims()
	assert.Equal(t, 1, rows)
}

func TestJob_Errors(t *testing.T) {
	data := testData(t)
	ctx := context.Background()

	_, err := job{algo: "pca"}.run(ctx, policy.NewHost(), data)
	assert.ErrorIs(t, err, errUnknownAlgorithm)

	_, err = job{algo: "linreg", target: "nope"}.run(ctx, policy.NewHost(), data)
	assert.ErrorIs(t, err, table.ErrColumnNotFound)

	one, err := table.Select(data, "x0")
	require.NoError(t, err)
	_, err = job{algo: "linreg"}.run(ctx, policy.NewHost(), one)
	assert.ErrorIs(t, err, table.ErrShape)

	_, err = job{algo: "basicstats"}.run(ctx, nil, data)
	assert.ErrorIs(t, err, dispatch.ErrUnsupported)
}

func TestExecute_SimulatedRanks(t *testing.T) {
	data := testData(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, algo := range []string{"covariance", "basicstats", "linreg"} {
		want, err := execute(ctx, config{job: job{algo: algo}}, data)
		require.NoError(t, err)

		for _, name := range []string{"spmd-host", "spmd-device"} {
			t.Run(algo+"/"+name, func(t *testing.T) {
				choice, err := parsePolicy(name)
				require.NoError(t, err)
				got, err := execute(ctx, config{job: job{algo: algo}, policy: choice, ranks: 3, queueDepth: 2}, data)
				require.NoError(t, err)
				assertTablesClose(t, want, got)
			})
		}
	}
}

func TestExecute_Hub(t *testing.T) {
	hub := flightcomm.NewHub()
	require.NoError(t, hub.Start("localhost:0"))
	t.Cleanup(hub.Shutdown)

	data := testData(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	want, err := execute(ctx, config{job: job{algo: "covariance"}}, data)
	require.NoError(t, err)

	const size = 2
	results := make([]*table.Host, size)
	eg, egCtx := errgroup.WithContext(ctx)
	for r := 0; r < size; r++ {
		cfg := config{
			job:    job{algo: "covariance"},
			policy: policyChoice{distributed: true},
			hub:    hub.Addr().String(),
			group:  "cli-test",
			rank:   r,
			size:   size,
		}
		eg.Go(func() error {
			res, err := execute(egCtx, cfg, data)
			results[r] = res
			return err
		})
	}
	require.NoError(t, eg.Wait())
	for r := range results {
		assertTablesClose(t, want, results[r])
	}

	// The hub cannot move device memory, so a device run is refused.
	_, err = execute(ctx, config{
		job:    job{algo: "covariance"},
		policy: policyChoice{device: true, distributed: true},
		hub:    hub.Addr().String(),
		group:  "cli-device",
		size:   1,
	}, data)
	assert.ErrorIs(t, err, comm.ErrCapabilityMismatch)

	_, err = execute(ctx, config{job: job{algo: "covariance"}, policy: policyChoice{distributed: true}, hub: hub.Addr().String(), rank: 2, size: 2}, data)
	assert.Error(t, err)
}

func TestSynthetic(t *testing.T) {
	a, err := synthetic(10, 2, 3)
	require.NoError(t, err)
	b, err := synthetic(10, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, a.Data(), b.Data())
	assert.Equal(t, []string{"x0", "x1"}, a.Names())

	_, err = synthetic(10, 0, 3)
	assert.ErrorIs(t, err, table.ErrShape)
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
}
