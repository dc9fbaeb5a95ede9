// Package dispatch routes train, infer, compute, partial_compute and
// finalize_compute calls to the algorithm backend registered for the
// policy's kind and the descriptor's type.
//
// Dispatch is pure routing. It validates nothing, and errors returned by a
// backend reach the caller unchanged. The only error produced here is
// ErrUnsupported.
package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-quiver/internal/policy"
)

var tracer = otel.Tracer("quiver-dispatch")

// Descriptor describes an algorithm variant and its result options. Algorithm
// must be callable on the zero value.
type Descriptor interface {
	Algorithm() string
}

// Computer is a descriptor whose compute result type is R.
type Computer[R any] interface {
	Descriptor
	NewComputeResult() R
}

// Trainer is a descriptor whose train result type is R.
type Trainer[R any] interface {
	Descriptor
	NewTrainResult() R
}

// Inferrer is a descriptor whose infer result type is R.
type Inferrer[R any] interface {
	Descriptor
	NewInferResult() R
}

// Accumulator is a descriptor supporting online compute. NewPartialResult
// returns the Empty partial result for the descriptor's current options.
type Accumulator[P any] interface {
	Descriptor
	NewPartialResult() P
}

// Finalizer is an Accumulator whose finalized result type is R.
type Finalizer[P, R any] interface {
	Accumulator[P]
	NewComputeResult() R
}

// Train runs the train backend for p and desc.
func Train[I, R any](ctx context.Context, p policy.Policy, desc Trainer[R], in I) (R, error) {
	return call[R](ctx, p, desc, OpTrain, in)
}

// Infer runs the infer backend for p and desc against a trained model.
func Infer[M, I, R any](ctx context.Context, p policy.Policy, desc Inferrer[R], model M, in I) (R, error) {
	return call[R](ctx, p, desc, OpInfer, model, in)
}

// Compute runs the monolithic compute backend for p and desc.
func Compute[I, R any](ctx context.Context, p policy.Policy, desc Computer[R], in I) (R, error) {
	return call[R](ctx, p, desc, OpCompute, in)
}

// PartialCompute folds block into prior and returns the new partial result.
// prior is never modified, so on error the caller still holds a valid value.
func PartialCompute[I, P any](ctx context.Context, p policy.Policy, desc Accumulator[P], prior P, block I) (P, error) {
	return call[P](ctx, p, desc, OpPartialCompute, prior, block)
}

// FinalizeCompute derives the final result from partial. Under a distributed
// policy the backend merges every rank's partial state first, so all ranks
// must call it at the same point of their collective sequence.
func FinalizeCompute[P, R any](ctx context.Context, p policy.Policy, desc Finalizer[P, R], partial P) (R, error) {
	return call[R](ctx, p, desc, OpFinalizeCompute, partial)
}

func call[R any](ctx context.Context, p policy.Policy, desc Descriptor, op Op, args ...any) (R, error) {
	var zero R
	fn, err := lookup(p, desc, op)
	if err != nil {
		unsupported.WithLabelValues(op.String()).Inc()
		return zero, err
	}

	kind := p.Kind().String()
	alg := desc.Algorithm()
	ctx, span := tracer.Start(ctx, alg+"."+op.String(), trace.WithAttributes(
		attribute.String("quiver.policy", kind),
		attribute.String("quiver.algorithm", alg),
		attribute.String("quiver.op", op.String()),
	))
	defer span.End()

	start := time.Now()
	out, err := fn(ctx, p, desc, args...)
	elapsed := time.Since(start)

	res, ok := out.(R)
	if !ok && err == nil && out != nil {
		err = mismatch(desc, op, "result", out)
	}

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	calls.WithLabelValues(op.String(), kind, alg, status).Inc()
	duration.WithLabelValues(op.String(), kind, alg).Observe(elapsed.Seconds())

	log.Debug().
		Str("op", op.String()).
		Str("policy", kind).
		Str("algorithm", alg).
		Dur("elapsed", elapsed).
		Err(err).
		Msg("dispatch")
	if err != nil {
		return zero, err
	}
	return res, nil
}
