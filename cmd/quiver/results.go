package main

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/algo/basicstats"
	"github.com/23skdu/longbow-quiver/internal/algo/covariance"
	"github.com/23skdu/longbow-quiver/internal/algo/linreg"
	"github.com/23skdu/longbow-quiver/internal/table"
)

// columnar collects equal-length output columns into a host table.
type columnar struct {
	names []string
	cols  [][]float64
}

func (c *columnar) add(name string, values []float64) {
	if values == nil {
		return
	}
	c.names = append(c.names, name)
	c.cols = append(c.cols, values)
}

func (c *columnar) table(rows int) (*table.Host, error) {
	data := make([]float64, rows*len(c.cols))
	for j, col := range c.cols {
		if len(col) != rows {
			return nil, fmt.Errorf("%w: column %s has %d values, want %d", table.ErrShape, c.names[j], len(col), rows)
		}
		for i, v := range col {
			data[i*len(c.cols)+j] = v
		}
	}
	h, err := table.NewHost(data, rows, len(c.cols))
	if err != nil {
		return nil, err
	}
	if len(c.names) == 0 {
		return h, nil
	}
	return h.WithNames(c.names...)
}

// covarianceTable has one row per feature: its mean followed by its row of
// the covariance and correlation matrices.
func covarianceTable(res covariance.Result, features []string) (*table.Host, error) {
	var out columnar
	out.add("mean", res.Means)
	addSym := func(prefix string, m *mat.SymDense) {
		if m == nil {
			return
		}
		n := m.SymmetricDim()
		for j := 0; j < n; j++ {
			col := make([]float64, n)
			for i := range col {
				col[i] = m.At(i, j)
			}
			out.add(prefix+featureName(features, j), col)
		}
	}
	addSym("cov_", res.Cov)
	addSym("cor_", res.Cor)
	return out.table(len(features))
}

// basicstatsTable has one row per feature and one column per requested
// statistic.
func basicstatsTable(res basicstats.Result) (*table.Host, error) {
	var out columnar
	out.add("min", res.Min)
	out.add("max", res.Max)
	out.add("sum", res.Sum)
	out.add("sum_squares", res.SumSquares)
	out.add("sum_squares_centered", res.SumSquaresCentered)
	out.add("mean", res.Mean)
	out.add("second_order_raw_moment", res.SecondOrderRawMoment)
	out.add("variance", res.Variance)
	out.add("standard_deviation", res.StandardDeviation)
	out.add("variation_coefficient", res.VariationCoefficient)
	rows := 0
	if len(out.cols) > 0 {
		rows = len(out.cols[0])
	}
	return out.table(rows)
}

// linregTable has one row per response holding the intercept and the
// coefficient of every feature.
func linregTable(res linreg.TrainResult, features []string) (*table.Host, error) {
	var out columnar
	out.add("intercept", res.Intercepts)
	if res.Coefficients != nil {
		p, _ := res.Coefficients.Dims()
		for j := 0; j < p; j++ {
			out.add(featureName(features, j), mat.Row(nil, j, res.Coefficients))
		}
	}
	return out.table(res.Model.Responses())
}

func featureName(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return fmt.Sprintf("x%d", i)
}
