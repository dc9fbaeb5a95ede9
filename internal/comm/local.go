package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// LocalGroup is an in-process group of ranks backed by a shared Exchange.
// Ranks are goroutines of the same process, so device buffers are reachable
// from every rank and the backend reports device access.
type LocalGroup struct {
	id       uuid.UUID
	size     int
	exchange *Exchange
	runtime  *Runtime
}

// NewLocalGroup creates a group of size ranks. The group's runtime must be
// initialized before rank backends are created.
func NewLocalGroup(size int) (*LocalGroup, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: group size %d", ErrInvalidRank, size)
	}
	id := uuid.New()
	return &LocalGroup{
		id:       id,
		size:     size,
		exchange: NewExchange(),
		runtime:  NewRuntime("local-"+id.String()[:8], nil, nil),
	}, nil
}

// ID returns the group's unique identifier.
func (g *LocalGroup) ID() uuid.UUID {
	return g.id
}

// Size returns the number of ranks.
func (g *LocalGroup) Size() int {
	return g.size
}

// Runtime returns the group's messaging runtime.
func (g *LocalGroup) Runtime() *Runtime {
	return g.runtime
}

// Backend returns the endpoint for rank. Each rank must use its own endpoint.
func (g *LocalGroup) Backend(rank int) (Backend, error) {
	if !g.runtime.Active() {
		return nil, ErrNotInitialized
	}
	if rank < 0 || rank >= g.size {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrInvalidRank, rank, g.size)
	}
	return &localBackend{
		group: g,
		rank:  rank,
		sent:  make(map[[2]int]int),
		recvd: make(map[[2]int]int),
	}, nil
}

// Run initializes the runtime, runs body once per rank on its own goroutine
// and shuts the runtime down when every rank has returned. The first error
// cancels the context passed to the remaining ranks.
func (g *LocalGroup) Run(ctx context.Context, body func(ctx context.Context, b Backend) error) error {
	if err := g.runtime.Init(ctx); err != nil {
		return err
	}
	defer func() {
		if err := g.runtime.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down local runtime")
		}
	}()

	eg, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < g.size; rank++ {
		b, err := g.Backend(rank)
		if err != nil {
			return err
		}
		eg.Go(func() error {
			return body(ctx, b)
		})
	}
	return eg.Wait()
}

// localBackend is one rank's endpoint. Sequence counters make every key
// unique per logical step; they are only touched by the owning rank.
type localBackend struct {
	group *LocalGroup
	rank  int

	mu    sync.Mutex
	seq   int
	sent  map[[2]int]int
	recvd map[[2]int]int
}

func (b *localBackend) Rank() int          { return b.rank }
func (b *localBackend) RankCount() int     { return b.group.size }
func (b *localBackend) DeviceAccess() bool { return true }

func (b *localBackend) nextCollective() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return fmt.Sprintf("%s/coll/%d", b.group.id, b.seq)
}

func (b *localBackend) Send(ctx context.Context, buf []byte, dst, tag int) error {
	b.mu.Lock()
	k := [2]int{dst, tag}
	n := b.sent[k]
	b.sent[k]++
	b.mu.Unlock()
	key := fmt.Sprintf("%s/p2p/%d-%d/%d/%d", b.group.id, b.rank, dst, tag, n)
	return b.group.exchange.Contribute(key, "p2p", 0, 1, 1, buf)
}

func (b *localBackend) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	b.mu.Lock()
	k := [2]int{src, tag}
	n := b.recvd[k]
	b.recvd[k]++
	b.mu.Unlock()
	key := fmt.Sprintf("%s/p2p/%d-%d/%d/%d", b.group.id, src, b.rank, tag, n)
	parts, err := b.group.exchange.Collect(ctx, key, "p2p", 1, 1)
	if err != nil {
		return nil, err
	}
	return parts[0], nil
}

func (b *localBackend) Bcast(ctx context.Context, buf []byte, root int) ([]byte, error) {
	key := b.nextCollective()
	if b.rank != root {
		buf = nil
	}
	x := b.group.exchange
	if err := x.Contribute(key, fmt.Sprintf("bcast:%d", root), b.rank, b.group.size, b.group.size, buf); err != nil {
		return nil, err
	}
	parts, err := x.Collect(ctx, key, fmt.Sprintf("bcast:%d", root), b.group.size, b.group.size)
	if err != nil {
		return nil, err
	}
	return parts[root], nil
}

func (b *localBackend) Allgather(ctx context.Context, buf []byte) ([][]byte, error) {
	key := b.nextCollective()
	x := b.group.exchange
	if err := x.Contribute(key, "allgather", b.rank, b.group.size, b.group.size, buf); err != nil {
		return nil, err
	}
	return x.Collect(ctx, key, "allgather", b.group.size, b.group.size)
}
