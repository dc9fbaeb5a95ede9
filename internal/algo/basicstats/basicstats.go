// Package basicstats computes per-column summary statistics.
package basicstats

import (
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-quiver/internal/online"
	"github.com/23skdu/longbow-quiver/internal/table"
)

// Options selects the statistics to report.
type Options uint16

const (
	Min Options = 1 << iota
	Max
	Sum
	SumSquares
	SumSquaresCentered
	Mean
	SecondOrderRawMoment
	Variance
	StandardDeviation
	VariationCoefficient

	AllOptions = Min | Max | Sum | SumSquares | SumSquaresCentered | Mean |
		SecondOrderRawMoment | Variance | StandardDeviation | VariationCoefficient
)

// Descriptor configures a basic statistics computation.
type Descriptor struct {
	Options Options
}

func NewDescriptor() Descriptor {
	return Descriptor{Options: AllOptions}
}

func (Descriptor) Algorithm() string           { return "basic_statistics" }
func (Descriptor) NewComputeResult() Result    { return Result{} }
func (d Descriptor) NewPartialResult() Partial { return Partial{Header: online.NewHeader(d.Options)} }

// aggregates names the running aggregates a mask depends on.
type aggregates struct {
	min, max, sum, sumSq, m2 bool
}

func (d Descriptor) aggregates() aggregates {
	o := d.Options
	a := aggregates{
		min:   o&Min != 0,
		max:   o&Max != 0,
		sumSq: o&(SumSquares|SecondOrderRawMoment) != 0,
		m2:    o&(SumSquaresCentered|Variance|StandardDeviation|VariationCoefficient) != 0,
	}
	// Means are needed to merge centered sums.
	a.sum = o&(Sum|Mean|VariationCoefficient) != 0 || a.m2
	return a
}

// Partial holds per-column running aggregates. Only the aggregates the
// options need are allocated.
type Partial struct {
	online.Header[Options]
	cols  int
	min   []float64
	max   []float64
	sum   []float64
	sumSq []float64
	m2    []float64
}

// StateSize returns the number of float64 aggregates retained.
func (p Partial) StateSize() int {
	return len(p.min) + len(p.max) + len(p.sum) + len(p.sumSq) + len(p.m2)
}

func (p Partial) Cols() int {
	return p.cols
}

// Result holds the requested statistics, one value per column. Unrequested
// statistics are nil.
type Result struct {
	online.Header[Options]
	Min                  []float64
	Max                  []float64
	Sum                  []float64
	SumSquares           []float64
	SumSquaresCentered   []float64
	Mean                 []float64
	SecondOrderRawMoment []float64
	Variance             []float64
	StandardDeviation    []float64
	VariationCoefficient []float64
}

// Defined reports whether any rows contributed. Every statistic of an
// undefined result is NaN.
func (r Result) Defined() bool {
	return r.Rows() > 0
}

// layout lists the enabled aggregates in their flat order.
func (a aggregates) layout() []bool {
	return []bool{a.min, a.max, a.sum, a.sumSq, a.m2}
}

func (a aggregates) width(cols int) int {
	n := 0
	for _, on := range a.layout() {
		if on {
			n += cols
		}
	}
	return n
}

// summarize writes the aggregates of a rows x cols row-major block into dst,
// which holds a.width(cols) values.
func summarize(a aggregates, x []float64, rows, cols int, dst []float64) {
	off := 0
	next := func() []float64 {
		s := dst[off : off+cols]
		off += cols
		return s
	}
	var mins, maxs, sums, sq, m2 []float64
	if a.min {
		mins = next()
	}
	if a.max {
		maxs = next()
	}
	if a.sum {
		sums = next()
	}
	if a.sumSq {
		sq = next()
	}
	if a.m2 {
		m2 = next()
	}

	for c := 0; c < cols; c++ {
		lo, hi, s, ss := math.Inf(1), math.Inf(-1), 0.0, 0.0
		for r := 0; r < rows; r++ {
			v := x[r*cols+c]
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
			s += v
			ss += v * v
		}
		if mins != nil {
			mins[c] = lo
		}
		if maxs != nil {
			maxs[c] = hi
		}
		if sums != nil {
			sums[c] = s
		}
		if sq != nil {
			sq[c] = ss
		}
		if m2 != nil && rows > 0 {
			mean, acc := s/float64(rows), 0.0
			for r := 0; r < rows; r++ {
				d := x[r*cols+c] - mean
				acc += d * d
			}
			m2[c] = acc
		}
	}
}

// fromFlat builds a one-block partial from summarize output.
func fromFlat(d Descriptor, rows, cols int, flat []float64) Partial {
	a := d.aggregates()
	p := Partial{Header: d.NewPartialResult().Next(rows), cols: cols}
	off := 0
	take := func() []float64 {
		s := make([]float64, cols)
		copy(s, flat[off:off+cols])
		off += cols
		return s
	}
	if a.min {
		p.min = take()
	}
	if a.max {
		p.max = take()
	}
	if a.sum {
		p.sum = take()
	}
	if a.sumSq {
		p.sumSq = take()
	}
	if a.m2 {
		p.m2 = take()
	}
	return p
}

// merge combines two partials of the same options into a new value. Centered
// sums of squares use the pairwise update of Chan, Golub and LeVeque.
func merge(a, b Partial) (Partial, error) {
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

	na, nb := float64(a.Rows()), float64(b.Rows())
	out := Partial{Header: a.Merge(b.Header), cols: a.cols}
	out.min = combine(a.min, b.min, math.Min)
	out.max = combine(a.max, b.max, math.Max)
	out.sum = combine(a.sum, b.sum, add)
	out.sumSq = combine(a.sumSq, b.sumSq, add)
	if a.m2 != nil {
		out.m2 = make([]float64, a.cols)
		for c := range out.m2 {
			out.m2[c] = a.m2[c] + b.m2[c]
			if na > 0 && nb > 0 {
				delta := b.sum[c]/nb - a.sum[c]/na
				out.m2[c] += delta * delta * na * nb / (na + nb)
			}
		}
	}
	return out, nil
}

func add(x, y float64) float64 { return x + y }

func combine(a, b []float64, f func(x, y float64) float64) []float64 {
	if a == nil {
		return nil
	}
	out := make([]float64, len(a))
	for i := range a {
		out[i] = f(a[i], b[i])
	}
	return out
}

// finalize derives the requested statistics.
func finalize(d Descriptor, p Partial) Result {
	res := Result{Header: p.Finalize()}
	o := d.Options
	n := float64(p.Rows())
	cols := p.cols

	derive := func(flag Options, f func(c int) float64) []float64 {
		if o&flag == 0 || cols == 0 {
			return nil
		}
		out := make([]float64, cols)
		for c := range out {
			if n == 0 {
				out[c] = math.NaN()
				continue
			}
			out[c] = f(c)
		}
		return out
	}
	variance := func(c int) float64 {
		if n < 2 {
			return math.NaN()
		}
		return p.m2[c] / (n - 1)
	}

	res.Min = derive(Min, func(c int) float64 { return p.min[c] })
	res.Max = derive(Max, func(c int) float64 { return p.max[c] })
	res.Sum = derive(Sum, func(c int) float64 { return p.sum[c] })
	res.SumSquares = derive(SumSquares, func(c int) float64 { return p.sumSq[c] })
	res.SumSquaresCentered = derive(SumSquaresCentered, func(c int) float64 { return p.m2[c] })
	res.Mean = derive(Mean, func(c int) float64 { return p.sum[c] / n })
	res.SecondOrderRawMoment = derive(SecondOrderRawMoment, func(c int) float64 { return p.sumSq[c] / n })
	res.Variance = derive(Variance, variance)
	res.StandardDeviation = derive(StandardDeviation, func(c int) float64 { return math.Sqrt(variance(c)) })
	res.VariationCoefficient = derive(VariationCoefficient, func(c int) float64 {
		return math.Sqrt(variance(c)) / (p.sum[c] / n)
	})
	return res
}

// wirePartial is the CBOR form exchanged between ranks.
type wirePartial struct {
	Options Options   `cbor:"1,keyasint"`
	Blocks  int       `cbor:"2,keyasint"`
	Rows    int64     `cbor:"3,keyasint"`
	Cols    int       `cbor:"4,keyasint"`
	Min     []float64 `cbor:"5,keyasint,omitempty"`
	Max     []float64 `cbor:"6,keyasint,omitempty"`
	Sum     []float64 `cbor:"7,keyasint,omitempty"`
	SumSq   []float64 `cbor:"8,keyasint,omitempty"`
	M2      []float64 `cbor:"9,keyasint,omitempty"`
}

// MarshalBinary encodes p for transfer to another rank.
func (p Partial) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(wirePartial{
		Options: p.Options(),
		Blocks:  p.Blocks(),
		Rows:    p.Rows(),
		Cols:    p.cols,
		Min:     p.min,
		Max:     p.max,
		Sum:     p.sum,
		SumSq:   p.sumSq,
		M2:      p.m2,
	})
}

// decodePartial decodes a peer's partial and checks it was accumulated with
// the same options as d.
func decodePartial(d Descriptor, data []byte) (Partial, error) {
	var w wirePartial
	if err := cbor.Unmarshal(data, &w); err != nil {
		return Partial{}, fmt.Errorf("basicstats: decode partial: %w", err)
	}
	h := online.NewHeader(w.Options).WithCounts(w.Blocks, w.Rows)
	if err := online.CheckOptions(h, d.Options); err != nil {
		return Partial{}, err
	}
	p := Partial{Header: h, cols: w.Cols, min: w.Min, max: w.Max, sum: w.Sum, sumSq: w.SumSq, m2: w.M2}
	a := d.aggregates()
	for i, on := range a.layout() {
		got := [][]float64{p.min, p.max, p.sum, p.sumSq, p.m2}[i]
		if on && p.cols > 0 && len(got) != p.cols {
			return Partial{}, fmt.Errorf("%w: peer partial has %d values for %d columns", table.ErrShape, len(got), p.cols)
		}
	}
	return p, nil
}
