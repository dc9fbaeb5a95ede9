// Package linreg fits least-squares linear regression models through the
// normal equations and applies them to new rows.
package linreg

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/table"
)

// ErrSingular is returned when the normal equations have no unique solution,
// for example with fewer rows than parameters or collinear features.
var ErrSingular = errors.New("linreg: normal equations are singular")

// maxCondition bounds the condition number of a solvable system.
const maxCondition = 1e12

// Options selects the terms of the fit and the outputs reported by train.
type Options uint8

const (
	// Coefficients reports the per-feature slopes.
	Coefficients Options = 1 << iota
	// Intercept fits and reports an intercept term.
	Intercept

	AllOptions = Coefficients | Intercept
)

// Descriptor configures a linear regression.
type Descriptor struct {
	Options Options
}

func NewDescriptor() Descriptor {
	return Descriptor{Options: AllOptions}
}

func (Descriptor) Algorithm() string           { return "linear_regression" }
func (Descriptor) NewTrainResult() TrainResult { return TrainResult{} }
func (Descriptor) NewInferResult() InferResult { return InferResult{} }

// offset is 1 when an intercept column precedes the features.
func (d Descriptor) offset() int {
	if d.Options&Intercept != 0 {
		return 1
	}
	return 0
}

// Labeled pairs feature rows with their responses. Y has one column per
// response and as many rows as X.
type Labeled struct {
	X table.Table
	Y table.Table
}

// Model is a trained regression. Betas has features+1 rows and one column per
// response; row 0 holds the intercepts and is zero when none was fit.
type Model struct {
	betas     *mat.Dense
	intercept bool
}

func (m *Model) Features() int {
	r, _ := m.betas.Dims()
	return r - 1
}

func (m *Model) Responses() int {
	_, c := m.betas.Dims()
	return c
}

func (m *Model) HasIntercept() bool {
	return m.intercept
}

// Betas returns a read-only view of the coefficient matrix.
func (m *Model) Betas() mat.Matrix {
	return m.betas
}

// TrainResult carries the model and the outputs selected by the options.
type TrainResult struct {
	Model *Model
	Rows  int64
	// Coefficients is features x responses, nil unless requested.
	Coefficients *mat.Dense
	// Intercepts has one value per response, nil unless requested.
	Intercepts []float64
}

// InferResult holds the predicted responses, resident where the policy ran.
type InferResult struct {
	Responses table.Table
}

// Host returns the responses in host memory, copying them off the device if
// needed.
func (r InferResult) Host() *table.Host {
	switch t := r.Responses.(type) {
	case *table.Host:
		return t
	case *table.Device:
		return t.Download()
	}
	return nil
}

// gramSize is the length of the packed statistics for p features and t
// responses: [n | Σx | Σy | XᵀX | XᵀY].
func gramSize(p, t int) int {
	return 1 + p + t + p*p + p*t
}

// accumulateGram adds the statistics of a rows x p block x with responses y
// (rows x t) into dst. XᵀX fills the upper triangle only.
func accumulateGram(x, y []float64, rows, p, t int, dst []float64) {
	if rows == 0 {
		return
	}
	dst[0] += float64(rows)
	sumX := dst[1 : 1+p]
	sumY := dst[1+p : 1+p+t]
	xtx := dst[1+p+t : 1+p+t+p*p]
	xty := dst[1+p+t+p*p:]
	for r := 0; r < rows; r++ {
		floats.Add(sumX, x[r*p:(r+1)*p])
		floats.Add(sumY, y[r*t:(r+1)*t])
	}
	xg := blas64.General{Rows: rows, Cols: p, Stride: p, Data: x}
	blas64.Syrk(blas.Trans, 1, xg, 1, blas64.Symmetric{Uplo: blas.Upper, N: p, Stride: p, Data: xtx})
	blas64.Gemm(blas.Trans, blas.NoTrans, 1, xg,
		blas64.General{Rows: rows, Cols: t, Stride: t, Data: y}, 1,
		blas64.General{Rows: p, Cols: t, Stride: t, Data: xty})
}

// solve assembles and solves the normal equations from packed statistics.
func solve(d Descriptor, p, t int, g []float64) (*Model, int64, error) {
	n := g[0]
	sumX := g[1 : 1+p]
	sumY := g[1+p : 1+p+t]
	xtx := g[1+p+t : 1+p+t+p*p]
	xty := g[1+p+t+p*p:]

	off := d.offset()
	m := p + off
	a := mat.NewSymDense(m, nil)
	b := mat.NewDense(m, t, nil)
	if off == 1 {
		a.SetSym(0, 0, n)
		for j := 0; j < p; j++ {
			a.SetSym(0, j+1, sumX[j])
		}
		for k := 0; k < t; k++ {
			b.Set(0, k, sumY[k])
		}
	}
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			a.SetSym(i+off, j+off, xtx[i*p+j])
		}
		for k := 0; k < t; k++ {
			b.Set(i+off, k, xty[i*t+k])
		}
	}

	var beta mat.Dense
	var chol mat.Cholesky
	if chol.Factorize(a) && chol.Cond() < maxCondition {
		if err := chol.SolveTo(&beta, b); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrSingular, err)
		}
	} else {
		log.Debug().Int("params", m).Msg("Cholesky failed, falling back to LU")
		var lu mat.LU
		lu.Factorize(a)
		if cond := lu.Cond(); cond >= maxCondition {
			return nil, 0, fmt.Errorf("%w: condition number %.3g", ErrSingular, cond)
		}
		if err := lu.SolveTo(&beta, false, b); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrSingular, err)
		}
	}

	betas := mat.NewDense(p+1, t, nil)
	betas.Slice(1-off, p+1, 0, t).(*mat.Dense).Copy(&beta)
	return &Model{betas: betas, intercept: off == 1}, int64(n), nil
}

func trainResult(d Descriptor, model *Model, rows int64) TrainResult {
	res := TrainResult{Model: model, Rows: rows}
	p, t := model.Features(), model.Responses()
	if d.Options&Coefficients != 0 {
		res.Coefficients = mat.DenseCopyOf(model.betas.Slice(1, p+1, 0, t))
	}
	if d.Options&Intercept != 0 {
		res.Intercepts = mat.Row(nil, 0, model.betas)
	}
	return res
}

// checkLabeled returns the feature and response widths of in.
func checkLabeled(in Labeled) (p, t, rows int, err error) {
	if in.X == nil || in.Y == nil {
		return 0, 0, 0, fmt.Errorf("%w: features and responses are required", table.ErrShape)
	}
	rows, p = in.X.Dims()
	yr, t := in.Y.Dims()
	if yr != rows {
		return 0, 0, 0, fmt.Errorf("%w: %d feature rows, %d response rows", table.ErrShape, rows, yr)
	}
	if p == 0 || t == 0 {
		return 0, 0, 0, fmt.Errorf("%w: %d features, %d responses", table.ErrShape, p, t)
	}
	return p, t, rows, nil
}

func checkModel(m *Model, x table.Table) error {
	if m == nil || m.betas == nil {
		return errors.New("linreg: untrained model")
	}
	if x == nil {
		return fmt.Errorf("%w: no input", table.ErrShape)
	}
	if _, c := x.Dims(); c != m.Features() {
		return fmt.Errorf("%w: model has %d features, input %d", table.ErrShape, m.Features(), c)
	}
	return nil
}
