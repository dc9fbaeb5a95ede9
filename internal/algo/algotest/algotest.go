// Package algotest runs algorithm backends over simulated rank groups in
// tests.
package algotest

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/comm"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/policy"
	"github.com/23skdu/longbow-quiver/internal/table"
)

// Table returns a deterministic rows x cols table with correlated columns and
// non-zero means.
func Table(t testing.TB, rows, cols int, seed uint64) *table.Host {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	data := make([]float64, rows*cols)
	for r := 0; r < rows; r++ {
		base := rng.NormFloat64()
		for c := 0; c < cols; c++ {
			data[r*cols+c] = float64(c+1) + base*float64(c%3+1) + rng.NormFloat64()
		}
	}
	h, err := table.NewHost(data, rows, cols)
	require.NoError(t, err)
	return h
}

// Blocks splits h into n blocks.
func Blocks(t testing.TB, h *table.Host, n int) []*table.Host {
	t.Helper()
	parts, err := table.Split(h, n)
	require.NoError(t, err)
	return parts
}

// SPMDHost runs body once per rank of a k-rank in-process group under
// spmd<host> and returns the per-rank results.
func SPMDHost[R any](t testing.TB, k int, body func(ctx context.Context, p policy.SPMDHost) (R, error)) []R {
	t.Helper()
	return run(t, k, func(ctx context.Context, b comm.Backend) (R, error) {
		c, err := comm.New[comm.None](b)
		if err != nil {
			var zero R
			return zero, err
		}
		return body(ctx, policy.NewSPMD(policy.NewHost(), c))
	})
}

// SPMDDevice is SPMDHost under spmd<device-parallel>, with one stream queue
// per rank.
func SPMDDevice[R any](t testing.TB, k int, body func(ctx context.Context, p policy.SPMDDevice) (R, error)) []R {
	t.Helper()
	return run(t, k, func(ctx context.Context, b comm.Backend) (R, error) {
		c, err := comm.New[comm.USM](b)
		if err != nil {
			var zero R
			return zero, err
		}
		q := device.NewStreamQueue(fmt.Sprintf("rank-%d", b.Rank()), 0)
		defer q.Close()
		return body(ctx, policy.NewSPMD(policy.NewDeviceParallel(q), c))
	})
}

// SPMDHostErr is SPMDHost for bodies expected to fail; it returns the error
// of the group.
func SPMDHostErr(t testing.TB, k int, body func(ctx context.Context, p policy.SPMDHost) error) error {
	t.Helper()
	g, err := comm.NewLocalGroup(k)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return g.Run(ctx, func(ctx context.Context, b comm.Backend) error {
		c, err := comm.New[comm.None](b)
		if err != nil {
			return err
		}
		return body(ctx, policy.NewSPMD(policy.NewHost(), c))
	})
}

func run[R any](t testing.TB, k int, body func(ctx context.Context, b comm.Backend) (R, error)) []R {
	t.Helper()
	g, err := comm.NewLocalGroup(k)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out := make([]R, k)
	err = g.Run(ctx, func(ctx context.Context, b comm.Backend) error {
		res, err := body(ctx, b)
		if err != nil {
			return fmt.Errorf("rank %d: %w", b.Rank(), err)
		}
		out[b.Rank()] = res
		return nil
	})
	require.NoError(t, err)
	return out
}
