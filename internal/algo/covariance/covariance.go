// Package covariance computes covariance and correlation matrices and column
// means, in one call or block by block.
package covariance

import (
	"fmt"
	"math"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/online"
	"github.com/23skdu/longbow-quiver/internal/table"
)

// Options selects the outputs to materialize.
type Options uint8

const (
	CovMatrix Options = 1 << iota
	CorMatrix
	Means

	AllOptions = CovMatrix | CorMatrix | Means
)

// Descriptor configures a covariance computation.
type Descriptor struct {
	Options Options
	// Bias divides by n instead of n-1.
	Bias bool
}

// NewDescriptor returns a descriptor requesting every output.
func NewDescriptor() Descriptor {
	return Descriptor{Options: AllOptions}
}

func (Descriptor) Algorithm() string           { return "covariance" }
func (Descriptor) NewComputeResult() Result    { return Result{} }
func (d Descriptor) NewPartialResult() Partial { return Partial{Header: online.NewHeader(d.Options)} }

func (d Descriptor) needsCrossProduct() bool {
	return d.Options&(CovMatrix|CorMatrix) != 0
}

// Partial holds the sufficient statistics of the rows seen so far: the row
// count, column means and, when a matrix is requested, the cross product of
// the rows centered on those means. Partials are immutable.
type Partial struct {
	online.Header[Options]
	cols  int
	means []float64
	cross []float64 // cols*cols, upper triangle significant
}

// Cols returns the feature width, or 0 before the first block.
func (p Partial) Cols() int {
	return p.cols
}

// StateSize returns the number of float64 statistics retained.
func (p Partial) StateSize() int {
	return len(p.means) + len(p.cross)
}

// Result holds the requested outputs. Unrequested outputs are nil.
type Result struct {
	online.Header[Options]
	Cov   *mat.SymDense
	Cor   *mat.SymDense
	Means []float64
}

// Defined reports whether any rows contributed. Outputs of an undefined
// result are NaN, or nil when the width was never seen.
func (r Result) Defined() bool {
	return r.Rows() > 0
}

func (p Partial) checkBlock(cols int) error {
	if p.cols != 0 && cols != p.cols {
		return fmt.Errorf("%w: block has %d columns, partial result has %d", table.ErrShape, cols, p.cols)
	}
	return nil
}

// grow returns a copy of p sized for cols columns.
func (p Partial) grow(d Descriptor, cols int) Partial {
	out := Partial{Header: p.Header, cols: cols, means: make([]float64, cols)}
	copy(out.means, p.means)
	if d.needsCrossProduct() {
		out.cross = make([]float64, cols*cols)
		copy(out.cross, p.cross)
	}
	return out
}

// accumulateHost folds a host block into a copy of p.
func accumulateHost(d Descriptor, p Partial, h *table.Host) (Partial, error) {
	rows, cols := h.Dims()
	if err := p.checkBlock(cols); err != nil {
		return Partial{}, err
	}
	out := p.grow(d, cols)
	out.Header = p.Next(rows)
	if rows == 0 || cols == 0 {
		return out, nil
	}
	block := make([]float64, cols+len(out.cross))
	blockMoments(h.Data(), rows, cols, block)
	out.absorb(float64(p.Rows()), float64(rows), block)
	return out, nil
}

// blockMoments writes the column means of the rows x cols block x to
// out[:cols] and, when out is longer, the upper triangle of the block's
// centered cross product to out[cols:].
func blockMoments(x []float64, rows, cols int, out []float64) {
	x = x[:rows*cols]
	means := out[:cols]
	fill(means, 0)
	for r := 0; r < rows; r++ {
		floats.Add(means, x[r*cols:(r+1)*cols])
	}
	floats.Scale(1/float64(rows), means)
	if len(out) == cols {
		return
	}
	fill(out[cols:], 0)
	centered := make([]float64, len(x))
	for r := 0; r < rows; r++ {
		floats.SubTo(centered[r*cols:(r+1)*cols], x[r*cols:(r+1)*cols], means)
	}
	blas64.Syrk(blas.Trans, 1,
		blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: centered}, 0,
		blas64.Symmetric{Uplo: blas.Upper, N: cols, Stride: cols, Data: out[cols:]})
}

// absorb folds the moments of nb rows, laid out as blockMoments writes them,
// into p, which holds na rows. p must own its slices.
func (p Partial) absorb(na, nb float64, block []float64) {
	if nb == 0 {
		return
	}
	cols := p.cols
	n := na + nb
	delta := make([]float64, cols)
	floats.SubTo(delta, block[:cols], p.means)
	if p.cross != nil {
		floats.Add(p.cross, block[cols:])
		if na > 0 {
			s := mat.NewSymDense(cols, p.cross)
			s.SymRankOne(s, na*nb/n, mat.NewVecDense(cols, delta))
		}
	}
	floats.AddScaled(p.means, nb/n, delta)
}

// merge combines the partials of two disjoint row sets. An empty side is the
// identity.
func merge(d Descriptor, a, b Partial) (Partial, error) {
	if a.cols == 0 {
		b.Header = b.Merge(a.Header)
		return b, nil
	}
	if b.cols == 0 {
		a.Header = a.Merge(b.Header)
		return a, nil
	}
	if a.cols != b.cols {
		return Partial{}, fmt.Errorf("%w: %d columns merged with %d", table.ErrShape, b.cols, a.cols)
	}
	out := a.grow(d, a.cols)
	out.Header = a.Merge(b.Header)
	out.absorb(float64(a.Rows()), float64(b.Rows()), slices.Concat(b.means, b.cross))
	return out, nil
}

// wirePartial is the CBOR form exchanged between ranks.
type wirePartial struct {
	Options Options   `cbor:"1,keyasint"`
	Blocks  int       `cbor:"2,keyasint"`
	Rows    int64     `cbor:"3,keyasint"`
	Cols    int       `cbor:"4,keyasint"`
	Means   []float64 `cbor:"5,keyasint,omitempty"`
	Cross   []float64 `cbor:"6,keyasint,omitempty"`
}

// MarshalBinary encodes p for transfer to another rank.
func (p Partial) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(wirePartial{
		Options: p.Options(),
		Blocks:  p.Blocks(),
		Rows:    p.Rows(),
		Cols:    p.cols,
		Means:   p.means,
		Cross:   p.cross,
	})
}

// decodePartial decodes a peer's partial and checks it was accumulated with
// the same options as d.
func decodePartial(d Descriptor, data []byte) (Partial, error) {
	var w wirePartial
	if err := cbor.Unmarshal(data, &w); err != nil {
		return Partial{}, fmt.Errorf("covariance: decode partial: %w", err)
	}
	h := online.NewHeader(w.Options).WithCounts(w.Blocks, w.Rows)
	if err := online.CheckOptions(h, d.Options); err != nil {
		return Partial{}, err
	}
	if w.Cols < 0 {
		return Partial{}, fmt.Errorf("%w: peer partial has %d columns", table.ErrShape, w.Cols)
	}
	p := Partial{Header: h, cols: w.Cols, means: w.Means, cross: w.Cross}
	if p.cols == 0 {
		return p, nil
	}
	wantCross := 0
	if d.needsCrossProduct() {
		wantCross = p.cols * p.cols
	}
	if len(p.means) != p.cols || len(p.cross) != wantCross {
		return Partial{}, fmt.Errorf("%w: peer partial has %d means and %d cross products for %d columns",
			table.ErrShape, len(p.means), len(p.cross), p.cols)
	}
	return p, nil
}

// finalize derives the requested outputs from p.
func finalize(d Descriptor, p Partial) Result {
	res := Result{Header: p.Finalize()}
	cols := p.cols
	if cols == 0 {
		return res
	}
	n := float64(p.Rows())

	means := make([]float64, cols)
	copy(means, p.means)
	if n == 0 {
		fill(means, math.NaN())
	}
	if online.Has(d.Options, Means) {
		res.Means = means
	}
	if !d.needsCrossProduct() {
		return res
	}

	denom := n - 1
	if d.Bias {
		denom = n
	}
	cov := mat.NewSymDense(cols, nil)
	for i := 0; i < cols; i++ {
		for j := i; j < cols; j++ {
			v := math.NaN()
			if denom > 0 {
				v = p.cross[i*cols+j] / denom
			}
			cov.SetSym(i, j, v)
		}
	}
	if online.Has(d.Options, CovMatrix) {
		res.Cov = cov
	}
	if online.Has(d.Options, CorMatrix) {
		cor := mat.NewSymDense(cols, nil)
		for i := 0; i < cols; i++ {
			for j := i; j < cols; j++ {
				v := cov.At(i, j) / math.Sqrt(cov.At(i, i)*cov.At(j, j))
				if i == j && !math.IsNaN(v) {
					v = 1
				}
				cor.SetSym(i, j, v)
			}
		}
		res.Cor = cor
	}
	return res
}

func fill(s []float64, v float64) {
	for i := range s {
		s[i] = v
	}
}
