// Package sink publishes result tables to an Arrow Flight server, one
// dataset path per result.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-quiver/internal/table"
)

// ErrCircuitOpen is returned while the breaker rejects publishes.
var ErrCircuitOpen = errors.New("sink: circuit open")

var (
	published = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_sink_published_total",
		Help: "Result tables published to the Flight sink",
	}, []string{"status"})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_sink_breaker_state",
		Help: "Sink circuit breaker state (0 closed, 1 open, 2 half-open)",
	})
)

// Publisher sends records with Flight DoPut.
type Publisher struct {
	client  flight.Client
	conn    *grpc.ClientConn
	alloc   memory.Allocator
	breaker *CircuitBreaker
}

// NewPublisher connects to the Flight server at addr. A nil breaker gets a
// default of 3 failures and a 30 second cooldown.
func NewPublisher(addr string, breaker *CircuitBreaker) (*Publisher, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(3, 30*time.Second)
	}
	return &Publisher{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		alloc:   memory.NewGoAllocator(),
		breaker: breaker,
	}, nil
}

// Publish converts h to a record and sends it under dataset.
func (p *Publisher) Publish(ctx context.Context, dataset string, h *table.Host) error {
	if h == nil {
		return fmt.Errorf("sink: nil table for %s", dataset)
	}
	rec := table.ToRecord(p.alloc, h)
	defer rec.Release()
	return p.DoPut(ctx, dataset, rec)
}

// DoPut sends rec to the dataset path, subject to the breaker.
func (p *Publisher) DoPut(ctx context.Context, dataset string, rec arrow.RecordBatch) error {
	if !p.breaker.Allow() {
		published.WithLabelValues("rejected").Inc()
		return ErrCircuitOpen
	}
	if err := p.put(ctx, dataset, rec); err != nil {
		p.breaker.Failure()
		published.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("dataset", dataset).Str("breaker", p.breaker.State().String()).Msg("Publish failed")
		return fmt.Errorf("sink: publish %s: %w", dataset, err)
	}
	p.breaker.Success()
	published.WithLabelValues("ok").Inc()
	log.Debug().Str("dataset", dataset).Int64("rows", rec.NumRows()).Msg("Published result")
	return nil
}

func (p *Publisher) put(ctx context.Context, dataset string, rec arrow.RecordBatch) error {
	stream, err := p.client.DoPut(ctx)
	if err != nil {
		return err
	}
	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	})
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// Wait for the server to finish reading.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Breaker returns the publisher's circuit breaker.
func (p *Publisher) Breaker() *CircuitBreaker {
	return p.breaker
}

func (p *Publisher) Close() error {
	return p.conn.Close()
}
