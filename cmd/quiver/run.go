package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/algo/basicstats"
	"github.com/23skdu/longbow-quiver/internal/algo/covariance"
	"github.com/23skdu/longbow-quiver/internal/algo/linreg"
	"github.com/23skdu/longbow-quiver/internal/comm"
	"github.com/23skdu/longbow-quiver/internal/comm/flightcomm"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/dispatch"
	"github.com/23skdu/longbow-quiver/internal/online"
	"github.com/23skdu/longbow-quiver/internal/policy"
	"github.com/23skdu/longbow-quiver/internal/table"
)

var errUnknownAlgorithm = errors.New("unknown algorithm")

// policyChoice is a parsed -policy value.
type policyChoice struct {
	device      bool
	distributed bool
}

func parsePolicy(s string) (policyChoice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "host":
		return policyChoice{}, nil
	case "device", "device-parallel":
		return policyChoice{device: true}, nil
	case "spmd-host", "spmd":
		return policyChoice{distributed: true}, nil
	case "spmd-device":
		return policyChoice{device: true, distributed: true}, nil
	}
	return policyChoice{}, fmt.Errorf("unknown policy %q (host, device, spmd-host, spmd-device)", s)
}

func (s policyChoice) String() string {
	switch {
	case s.distributed && s.device:
		return "spmd-device"
	case s.distributed:
		return "spmd-host"
	case s.device:
		return "device"
	}
	return "host"
}

// local builds the single-process policy. Device policies get their own
// stream queue, closed by release.
func (s policyChoice) local(name string, depth int) (p policy.Policy, release func()) {
	if !s.device {
		return policy.NewHost(), func() {}
	}
	q := device.NewStreamQueue(name, depth)
	return policy.NewDeviceParallel(q), q.Close
}

// handle wraps b with the memory capability the local policy needs. A backend
// that cannot provide it is rejected rather than used in a slower mode.
func (s policyChoice) handle(b comm.Backend) (comm.Handle, error) {
	if s.device {
		c, err := comm.New[comm.USM](b)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	c, err := comm.New[comm.None](b)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// job is one algorithm run over a host table.
type job struct {
	algo   string
	blocks int
	target string
}

func (j job) validate() error {
	switch j.algo {
	case "covariance", "basicstats", "linreg":
	default:
		return fmt.Errorf("%w %q (covariance, basicstats, linreg)", errUnknownAlgorithm, j.algo)
	}
	if j.blocks < 0 {
		return fmt.Errorf("blocks must not be negative, got %d", j.blocks)
	}
	return nil
}

// run executes the job under p and returns its result as a table. With more
// than one block the moments are folded through the online protocol.
func (j job) run(ctx context.Context, p policy.Policy, data *table.Host) (*table.Host, error) {
	if err := j.validate(); err != nil {
		return nil, err
	}
	data = withDefaultNames(data)
	switch j.algo {
	case "covariance":
		res, err := computeOrFold[covariance.Partial, covariance.Result](ctx, p, covariance.NewDescriptor(), data, j.blocks)
		if err != nil {
			return nil, err
		}
		return covarianceTable(res, data.Names())
	case "basicstats":
		res, err := computeOrFold[basicstats.Partial, basicstats.Result](ctx, p, basicstats.NewDescriptor(), data, j.blocks)
		if err != nil {
			return nil, err
		}
		return basicstatsTable(res)
	default:
		in, features, err := j.labeled(data)
		if err != nil {
			return nil, err
		}
		res, err := dispatch.Train(ctx, p, linreg.NewDescriptor(), in)
		if err != nil {
			return nil, err
		}
		return linregTable(res, features)
	}
}

func computeOrFold[P, R any](ctx context.Context, p policy.Policy, d dispatch.Finalizer[P, R], data *table.Host, blocks int) (R, error) {
	if blocks <= 1 {
		return dispatch.Compute[table.Table, R](ctx, p, d, data)
	}
	parts, err := table.Split(data, blocks)
	if err != nil {
		var zero R
		return zero, err
	}
	in := make([]table.Table, len(parts))
	for i, part := range parts {
		in[i] = part
	}
	return online.Fold[table.Table, P, R](ctx, p, d, in)
}

// labeled splits data into features and the target column, which defaults
// to the last one.
func (j job) labeled(data *table.Host) (linreg.Labeled, []string, error) {
	names := data.Names()
	if len(names) < 2 {
		return linreg.Labeled{}, nil, fmt.Errorf("%w: regression needs a feature and a target column, got %d columns",
			table.ErrShape, len(names))
	}
	target := len(names) - 1
	if j.target != "" {
		idx, err := table.ColumnIndex(data, j.target)
		if err != nil {
			return linreg.Labeled{}, nil, err
		}
		target = idx
	}
	features := make([]string, 0, len(names)-1)
	for i, n := range names {
		if i != target {
			features = append(features, n)
		}
	}
	x, err := table.Select(data, features...)
	if err != nil {
		return linreg.Labeled{}, nil, err
	}
	y, err := table.Select(data, names[target])
	if err != nil {
		return linreg.Labeled{}, nil, err
	}
	return linreg.Labeled{X: x, Y: y}, features, nil
}

func withDefaultNames(h *table.Host) *table.Host {
	if h.Names() != nil {
		return h
	}
	_, cols := h.Dims()
	named, err := h.WithNames(columnNames("x", cols)...)
	if err != nil {
		return h
	}
	return named
}

func columnNames(prefix string, n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return names
}

// config selects where a job runs.
type config struct {
	job        job
	policy     policyChoice
	ranks      int
	queueDepth int

	// Flight hub membership. An empty hub simulates ranks in process.
	hub   string
	group string
	rank  int
	size  int
}

// execute runs cfg.job over data. Distributed runs split data by rows across
// the ranks and return the result of this process's rank, or rank 0 when the
// ranks are simulated.
func execute(ctx context.Context, cfg config, data *table.Host) (*table.Host, error) {
	switch {
	case !cfg.policy.distributed:
		p, release := cfg.policy.local("quiver", cfg.queueDepth)
		defer release()
		if err := policy.Validate(p); err != nil {
			return nil, err
		}
		return cfg.job.run(ctx, p, data)
	case cfg.hub != "":
		return runHubRank(ctx, cfg, data)
	default:
		return runLocalGroup(ctx, cfg, data)
	}
}

func runLocalGroup(ctx context.Context, cfg config, data *table.Host) (*table.Host, error) {
	g, err := comm.NewLocalGroup(cfg.ranks)
	if err != nil {
		return nil, err
	}
	parts, err := table.Split(data, cfg.ranks)
	if err != nil {
		return nil, err
	}
	results := make([]*table.Host, cfg.ranks)
	err = g.Run(ctx, func(ctx context.Context, b comm.Backend) error {
		res, err := runRank(ctx, cfg, b, parts[b.Rank()])
		if err != nil {
			return fmt.Errorf("rank %d: %w", b.Rank(), err)
		}
		results[b.Rank()] = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("group", g.ID().String()).Int("ranks", cfg.ranks).Msg("Simulated ranks finished")
	return results[0], nil
}

func runHubRank(ctx context.Context, cfg config, data *table.Host) (*table.Host, error) {
	if cfg.rank < 0 || cfg.rank >= cfg.size {
		return nil, fmt.Errorf("rank %d outside group of %d", cfg.rank, cfg.size)
	}
	rt := flightcomm.NewRuntime(cfg.hub)
	if err := rt.Init(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := rt.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("Communicator shutdown failed")
		}
	}()
	cl, err := flightcomm.NewClient(rt, cfg.group, cfg.rank, cfg.size)
	if err != nil {
		return nil, err
	}
	parts, err := table.Split(data, cfg.size)
	if err != nil {
		return nil, err
	}
	return runRank(ctx, cfg, cl, parts[cfg.rank])
}

func runRank(ctx context.Context, cfg config, b comm.Backend, part *table.Host) (*table.Host, error) {
	local, release := cfg.policy.local(fmt.Sprintf("rank-%d", b.Rank()), cfg.queueDepth)
	defer release()
	h, err := cfg.policy.handle(b)
	if err != nil {
		return nil, err
	}
	p, err := policy.Assemble(local, h)
	if err != nil {
		return nil, err
	}
	if err := policy.Validate(p); err != nil {
		return nil, err
	}
	return cfg.job.run(ctx, p, part)
}
