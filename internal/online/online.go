// Package online carries the bookkeeping shared by every partial result of
// the block-wise compute protocol: the result-options mask fixed when the
// Empty partial result was built, and how many blocks and rows have been
// folded in since.
package online

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/dispatch"
	"github.com/23skdu/longbow-quiver/internal/policy"
)

// ErrOptionsChanged is returned by partial_compute and finalize_compute when
// the descriptor's options differ from the ones the partial result was
// started with.
var ErrOptionsChanged = errors.New("online: result options changed during accumulation")

// Stage is a position in the online protocol.
type Stage int

const (
	Empty Stage = iota
	Accumulating
	Finalized
)

func (s Stage) String() string {
	switch s {
	case Empty:
		return "empty"
	case Accumulating:
		return "accumulating"
	case Finalized:
		return "finalized"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Options is the constraint for result-options masks.
type Options interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Has reports whether every bit of flag is set in o.
func Has[O Options](o, flag O) bool {
	return o&flag == flag
}

// Header is embedded by partial and final results. Values are immutable;
// Next and Finalize return modified copies.
type Header[O Options] struct {
	options   O
	blocks    int
	rows      int64
	finalized bool
}

// NewHeader returns the header of an Empty partial result for opts.
func NewHeader[O Options](opts O) Header[O] {
	return Header[O]{options: opts}
}

func (h Header[O]) Options() O  { return h.options }
func (h Header[O]) Blocks() int { return h.blocks }
func (h Header[O]) Rows() int64 { return h.rows }

func (h Header[O]) Stage() Stage {
	switch {
	case h.finalized:
		return Finalized
	case h.blocks == 0:
		return Empty
	default:
		return Accumulating
	}
}

// Next returns the header after one more block of rows rows.
func (h Header[O]) Next(rows int) Header[O] {
	h.blocks++
	h.rows += int64(rows)
	return h
}

// Merge returns the header covering the blocks of h and o, as when partial
// results from several ranks are combined.
func (h Header[O]) Merge(o Header[O]) Header[O] {
	h.blocks += o.blocks
	h.rows += o.rows
	return h
}

// WithCounts returns h with its block and row counts replaced, as after a
// collective sum of every rank's counts.
func (h Header[O]) WithCounts(blocks int, rows int64) Header[O] {
	h.blocks = blocks
	h.rows = rows
	return h
}

// Finalize returns the header carried by a finalized result.
func (h Header[O]) Finalize() Header[O] {
	h.finalized = true
	return h
}

// CheckOptions returns ErrOptionsChanged unless want equals the mask h was
// started with.
func CheckOptions[O Options](h Header[O], want O) error {
	if h.options != want {
		return fmt.Errorf("%w: started with %#x, now %#x", ErrOptionsChanged, uint64(h.options), uint64(want))
	}
	return nil
}

// Fold runs the whole online protocol: it starts from desc's Empty partial
// result, folds every block in order and finalizes. The first failing block
// aborts the fold.
func Fold[I, P, R any](ctx context.Context, p policy.Policy, desc dispatch.Finalizer[P, R], blocks []I) (R, error) {
	part := desc.NewPartialResult()
	for i, b := range blocks {
		next, err := dispatch.PartialCompute(ctx, p, desc, part, b)
		if err != nil {
			var zero R
			return zero, fmt.Errorf("block %d: %w", i, err)
		}
		part = next
	}
	log.Debug().
		Str("algorithm", desc.Algorithm()).
		Int("blocks", len(blocks)).
		Msg("online fold finalizing")
	return dispatch.FinalizeCompute(ctx, p, desc, part)
}
