package flightcomm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-quiver/internal/comm"
)

// Runtime owns the gRPC connection to a hub. Any number of Clients may share
// it; the connection is dialed on the first Init and closed on the last
// Shutdown.
type Runtime struct {
	*comm.Runtime
	addr string

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	client flight.Client
}

// NewRuntime returns an inactive runtime for the hub at addr.
func NewRuntime(addr string) *Runtime {
	r := &Runtime{addr: addr}
	r.Runtime = comm.NewRuntime("flight-"+addr, r.dial, r.close)
	return r
}

func (r *Runtime) dial(context.Context) error {
	conn, err := grpc.NewClient(r.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conn = conn
	r.client = flight.NewClientFromConn(conn, nil)
	r.mu.Unlock()
	return nil
}

func (r *Runtime) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.conn
	r.conn, r.client = nil, nil
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (r *Runtime) flightClient() (flight.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return nil, comm.ErrNotInitialized
	}
	return r.client, nil
}

var _ comm.Backend = (*Client)(nil)

// Client is one rank's backend. Ranks agree on a group name so several
// groups can share one hub. Flight moves host memory only.
type Client struct {
	rt    *Runtime
	alloc memory.Allocator
	group string
	rank  int
	size  int

	mu    sync.Mutex
	seq   int
	sent  map[[2]int]int
	recvd map[[2]int]int
}

// NewClient returns the backend for rank of a size-rank group.
func NewClient(rt *Runtime, group string, rank, size int) (*Client, error) {
	if !rt.Active() {
		return nil, comm.ErrNotInitialized
	}
	if size < 1 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("%w: rank %d of %d", comm.ErrInvalidRank, rank, size)
	}
	return &Client{
		rt:    rt,
		alloc: memory.NewGoAllocator(),
		group: group,
		rank:  rank,
		size:  size,
		sent:  make(map[[2]int]int),
		recvd: make(map[[2]int]int),
	}, nil
}

func (c *Client) Rank() int          { return c.rank }
func (c *Client) RankCount() int     { return c.size }
func (c *Client) DeviceAccess() bool { return false }

func (c *Client) nextCollective() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return fmt.Sprintf("%s/coll/%d", c.group, c.seq)
}

func (c *Client) Send(ctx context.Context, buf []byte, dst, tag int) error {
	c.mu.Lock()
	k := [2]int{dst, tag}
	n := c.sent[k]
	c.sent[k]++
	c.mu.Unlock()
	hdr := slotHeader{
		Key:     fmt.Sprintf("%s/p2p/%d-%d/%d/%d", c.group, c.rank, dst, tag, n),
		Op:      "p2p",
		Size:    1,
		Readers: 1,
	}
	return c.contribute(ctx, hdr, buf)
}

func (c *Client) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	c.mu.Lock()
	k := [2]int{src, tag}
	n := c.recvd[k]
	c.recvd[k]++
	c.mu.Unlock()
	hdr := slotHeader{
		Key:     fmt.Sprintf("%s/p2p/%d-%d/%d/%d", c.group, src, c.rank, tag, n),
		Op:      "p2p",
		Size:    1,
		Readers: 1,
	}
	parts, err := c.collect(ctx, hdr)
	if err != nil {
		return nil, err
	}
	return parts[0], nil
}

func (c *Client) Bcast(ctx context.Context, buf []byte, root int) ([]byte, error) {
	hdr := slotHeader{
		Key:     c.nextCollective(),
		Op:      fmt.Sprintf("bcast:%d", root),
		Index:   c.rank,
		Size:    c.size,
		Readers: c.size,
	}
	if c.rank != root {
		buf = nil
	}
	if err := c.contribute(ctx, hdr, buf); err != nil {
		return nil, err
	}
	parts, err := c.collect(ctx, hdr)
	if err != nil {
		return nil, err
	}
	return parts[root], nil
}

func (c *Client) Allgather(ctx context.Context, buf []byte) ([][]byte, error) {
	hdr := slotHeader{
		Key:     c.nextCollective(),
		Op:      "allgather",
		Index:   c.rank,
		Size:    c.size,
		Readers: c.size,
	}
	if err := c.contribute(ctx, hdr, buf); err != nil {
		return nil, err
	}
	return c.collect(ctx, hdr)
}

func (c *Client) contribute(ctx context.Context, hdr slotHeader, buf []byte) error {
	client, err := c.rt.flightClient()
	if err != nil {
		return err
	}
	cmd, err := cbor.Marshal(hdr)
	if err != nil {
		return err
	}

	bb := array.NewBinaryBuilder(c.alloc, arrow.BinaryTypes.Binary)
	defer bb.Release()
	bb.Append(buf)
	col := bb.NewArray()
	defer col.Release()
	rec := array.NewRecordBatch(payloadSchema, []arrow.Array{col}, 1)
	defer rec.Release()

	stream, err := client.DoPut(ctx)
	if err != nil {
		return fromStatus(err)
	}
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(payloadSchema))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  cmd,
	})
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return fromStatus(err)
	}
	if err := writer.Close(); err != nil {
		return fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return fromStatus(err)
	}
	// Drain until the hub has stored the part.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fromStatus(err)
		}
	}
}

func (c *Client) collect(ctx context.Context, hdr slotHeader) ([][]byte, error) {
	client, err := c.rt.flightClient()
	if err != nil {
		return nil, err
	}
	ticket, err := cbor.Marshal(hdr)
	if err != nil {
		return nil, err
	}

	stream, err := client.DoGet(ctx, &flight.Ticket{Ticket: ticket})
	if err != nil {
		return nil, fromStatus(err)
	}
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
	if err != nil {
		return nil, fromStatus(err)
	}
	defer reader.Release()

	parts := make([][]byte, hdr.Size)
	for reader.Next() {
		rec := reader.Record()
		idx, ok1 := rec.Column(0).(*array.Int32)
		payload, ok2 := rec.Column(1).(*array.Binary)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("flightcomm: unexpected parts schema %s", rec.Schema())
		}
		for i := 0; i < idx.Len(); i++ {
			part := make([]byte, len(payload.Value(i)))
			copy(part, payload.Value(i))
			parts[idx.Value(i)] = part
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fromStatus(err)
	}
	return parts, nil
}
