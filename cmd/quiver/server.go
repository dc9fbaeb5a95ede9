package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-quiver/internal/algo/linreg"
	"github.com/23skdu/longbow-quiver/internal/dispatch"
	"github.com/23skdu/longbow-quiver/internal/policy"
	"github.com/23skdu/longbow-quiver/internal/table"
)

const arrowStreamType = "application/vnd.apache.arrow.stream"

var (
	rowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_rows_processed_total",
		Help: "Input rows processed by the HTTP API",
	}, []string{"algo"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiver_request_duration_seconds",
		Help:    "Time spent processing compute requests",
		Buckets: prometheus.DefBuckets,
	})
)

// ResultPublisher forwards result tables to a downstream store.
type ResultPublisher interface {
	Publish(ctx context.Context, dataset string, h *table.Host) error
}

// Server runs jobs posted as Arrow IPC streams under a single local policy.
type Server struct {
	policy    policy.Policy
	publisher ResultPublisher
	alloc     memory.Allocator
	sem       *semaphore.Weighted
	maxRows   int64
}

// NewServer admits at most maxRows input rows at a time. A request larger
// than maxRows waits for the whole budget.
func NewServer(p policy.Policy, pub ResultPublisher, maxRows int64) *Server {
	if maxRows < 1 {
		maxRows = 1
	}
	return &Server{
		policy:    p,
		publisher: pub,
		alloc:     memory.NewGoAllocator(),
		sem:       semaphore.NewWeighted(maxRows),
		maxRows:   maxRows,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/compute", s.handleCompute)
	mux.HandleFunc("/routes", s.handleRoutes)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) error {
	log.Info().Str("addr", addr).Str("policy", srv.policy.Kind().String()).Msg("Starting Quiver Server")
	if srv.publisher != nil {
		log.Info().Msg("Publishing results to the Flight sink")
	}
	return http.ListenAndServe(addr, srv.Handler())
}

var tracer = otel.Tracer("quiver-server")

func (s *Server) handleCompute(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleCompute")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	j := job{algo: q.Get("algo"), blocks: 1, target: q.Get("target")}
	if b := q.Get("blocks"); b != "" {
		n, err := strconv.Atoi(b)
		if err != nil {
			http.Error(w, fmt.Sprintf("Bad Request (blocks): %v", err), http.StatusBadRequest)
			return
		}
		j.blocks = n
	}
	if err := j.validate(); err != nil {
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}

	data, err := table.ReadIPC(r.Body, s.alloc)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (Arrow IPC decode): %v", err), http.StatusBadRequest)
		return
	}
	rows, cols := data.Dims()
	span.SetAttributes(
		attribute.String("algo", j.algo),
		attribute.Int("rows", rows),
		attribute.Int("cols", cols),
	)

	// Admission Control
	weight := min(int64(rows), s.maxRows)
	if weight > 0 {
		if err := s.sem.Acquire(ctx, weight); err != nil {
			log.Error().Err(err).Msg("Failed to acquire semaphore")
			http.Error(w, "Server busy", http.StatusServiceUnavailable)
			return
		}
		defer s.sem.Release(weight)
	}

	res, err := j.run(ctx, s.policy, data)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	rowsProcessed.WithLabelValues(j.algo).Add(float64(rows))

	if ds := q.Get("dataset"); ds != "" && s.publisher != nil {
		if err := s.publisher.Publish(ctx, ds, res); err != nil {
			log.Error().Err(err).Str("dataset", ds).Msg("Error forwarding result to sink")
		}
	}

	w.Header().Set("Content-Type", arrowStreamType)
	if err := table.WriteIPC(w, s.alloc, res); err != nil {
		log.Error().Err(err).Msg("Failed to write Arrow response")
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, table.ErrShape), errors.Is(err, table.ErrColumnNotFound), errors.Is(err, linreg.ErrSingular):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

type routeInfo struct {
	Algorithm string `cbor:"algorithm"`
	Op        string `cbor:"op"`
	Policy    string `cbor:"policy"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	routes := dispatch.Routes()
	out := make([]routeInfo, len(routes))
	for i, rt := range routes {
		out[i] = routeInfo{Algorithm: rt.Algorithm, Op: rt.Op.String(), Policy: rt.Kind.String()}
	}
	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(out); err != nil {
		log.Error().Err(err).Msg("Failed to encode routes")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := policy.Validate(s.policy); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
