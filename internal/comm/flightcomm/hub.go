// Package flightcomm carries communicator traffic over Arrow Flight. A Hub
// hosts the rendezvous table; every rank connects to it with a Client
// backend. Contributions travel as DoPut streams, results as DoGet streams.
// Payloads are opaque single-column binary records.
package flightcomm

import (
	"errors"
	"fmt"
	"net"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-quiver/internal/comm"
)

var (
	payloadSchema = arrow.NewSchema(
		[]arrow.Field{{Name: "payload", Type: arrow.BinaryTypes.Binary}},
		nil,
	)
	partsSchema = arrow.NewSchema(
		[]arrow.Field{
			{Name: "index", Type: arrow.PrimitiveTypes.Int32},
			{Name: "payload", Type: arrow.BinaryTypes.Binary},
		},
		nil,
	)
)

// slotHeader identifies a rendezvous slot. It is the DoPut descriptor command
// and the DoGet ticket, CBOR encoded.
type slotHeader struct {
	Key     string `cbor:"1,keyasint"`
	Op      string `cbor:"2,keyasint"`
	Index   int    `cbor:"3,keyasint,omitempty"`
	Size    int    `cbor:"4,keyasint"`
	Readers int    `cbor:"5,keyasint"`
}

// Hub is the Flight service every rank of a group talks to.
type Hub struct {
	flight.BaseFlightServer
	exchange *comm.Exchange
	alloc    memory.Allocator
	server   flight.Server
}

func NewHub() *Hub {
	return &Hub{
		exchange: comm.NewExchange(),
		alloc:    memory.NewGoAllocator(),
	}
}

// Start listens on addr and serves in the background.
func (h *Hub) Start(addr string) error {
	h.server = flight.NewServerWithMiddleware(nil)
	h.server.RegisterFlightService(h)
	if err := h.server.Init(addr); err != nil {
		return fmt.Errorf("failed to init flight hub: %w", err)
	}
	log.Info().Str("addr", h.server.Addr().String()).Msg("Starting communicator hub")
	go func() {
		if err := h.server.Serve(); err != nil {
			log.Error().Err(err).Msg("Communicator hub stopped")
		}
	}()
	return nil
}

// Addr returns the listening address once started.
func (h *Hub) Addr() net.Addr {
	return h.server.Addr()
}

// Shutdown stops the server.
func (h *Hub) Shutdown() {
	if h.server != nil {
		h.server.Shutdown()
	}
}

// DoPut stores one rank's contribution to a slot.
func (h *Hub) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(h.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	if desc == nil {
		return status.Error(codes.InvalidArgument, "missing slot descriptor")
	}
	var hdr slotHeader
	if err := cbor.Unmarshal(desc.Cmd, &hdr); err != nil {
		return status.Errorf(codes.InvalidArgument, "bad slot descriptor: %v", err)
	}

	payload := []byte{}
	for reader.Next() {
		rec := reader.Record()
		col, ok := rec.Column(0).(*array.Binary)
		if !ok {
			return status.Error(codes.InvalidArgument, "payload column is not binary")
		}
		for i := 0; i < col.Len(); i++ {
			payload = append(payload, col.Value(i)...)
		}
	}
	if err := reader.Err(); err != nil {
		return err
	}

	if err := h.exchange.Contribute(hdr.Key, hdr.Op, hdr.Index, hdr.Size, hdr.Readers, payload); err != nil {
		return toStatus(err)
	}
	return nil
}

// DoGet blocks until a slot is complete and streams its parts.
func (h *Hub) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	var hdr slotHeader
	if err := cbor.Unmarshal(tkt.GetTicket(), &hdr); err != nil {
		return status.Errorf(codes.InvalidArgument, "bad ticket: %v", err)
	}

	parts, err := h.exchange.Collect(stream.Context(), hdr.Key, hdr.Op, hdr.Size, hdr.Readers)
	if err != nil {
		return toStatus(err)
	}

	ib := array.NewInt32Builder(h.alloc)
	defer ib.Release()
	bb := array.NewBinaryBuilder(h.alloc, arrow.BinaryTypes.Binary)
	defer bb.Release()
	for i, p := range parts {
		ib.Append(int32(i))
		bb.Append(p)
	}
	idxArr := ib.NewArray()
	defer idxArr.Release()
	payloadArr := bb.NewArray()
	defer payloadArr.Release()

	rec := array.NewRecordBatch(partsSchema, []arrow.Array{idxArr, payloadArr}, int64(len(parts)))
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(partsSchema))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, comm.ErrCollectiveMismatch):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, comm.ErrInvalidRank):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, comm.ErrAbandoned):
		return status.Error(codes.Aborted, err.Error())
	default:
		return err
	}
}

func fromStatus(err error) error {
	switch status.Code(err) {
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", comm.ErrCollectiveMismatch, status.Convert(err).Message())
	case codes.OutOfRange:
		return fmt.Errorf("%w: %s", comm.ErrInvalidRank, status.Convert(err).Message())
	case codes.Aborted:
		return fmt.Errorf("%w: %s", comm.ErrAbandoned, status.Convert(err).Message())
	default:
		return err
	}
}
