package table

import (
	"errors"
	"fmt"
	"io"
	"math"
	"unicode"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrColumnNotFound is returned by ColumnIndex.
var ErrColumnNotFound = errors.New("table: column not found")

// FromRecord copies a record batch into a host table. Integer and floating
// point columns become one column each; fixed-size lists of floats (embedding
// vectors) expand to one column per element. Nulls become NaN.
func FromRecord(rec arrow.RecordBatch) (*Host, error) {
	rows := int(rec.NumRows())
	var cols []func(row int) float64
	var names []string

	for i, f := range rec.Schema().Fields() {
		switch arr := rec.Column(i).(type) {
		case *array.Float64:
			cols = append(cols, nullable(arr, arr.Value))
			names = append(names, f.Name)
		case *array.Float32:
			cols = append(cols, nullable(arr, func(r int) float64 { return float64(arr.Value(r)) }))
			names = append(names, f.Name)
		case *array.Int64:
			cols = append(cols, nullable(arr, func(r int) float64 { return float64(arr.Value(r)) }))
			names = append(names, f.Name)
		case *array.Int32:
			cols = append(cols, nullable(arr, func(r int) float64 { return float64(arr.Value(r)) }))
			names = append(names, f.Name)
		case *array.FixedSizeList:
			width := int(arr.DataType().(*arrow.FixedSizeListType).Len())
			elem, err := floatValues(arr.ListValues())
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", f.Name, err)
			}
			for j := 0; j < width; j++ {
				cols = append(cols, func(r int) float64 {
					if arr.IsNull(r) {
						return math.NaN()
					}
					return elem(int(arr.Offset()+r)*width + j)
				})
				names = append(names, fmt.Sprintf("%s[%d]", f.Name, j))
			}
		default:
			return nil, fmt.Errorf("%w: column %q has unsupported type %s", ErrShape, f.Name, f.Type)
		}
	}

	data := make([]float64, rows*len(cols))
	for r := 0; r < rows; r++ {
		for c, get := range cols {
			data[r*len(cols)+c] = get(r)
		}
	}
	return &Host{data: data, rows: rows, cols: len(cols), names: names}, nil
}

func nullable(arr arrow.Array, get func(int) float64) func(int) float64 {
	return func(r int) float64 {
		if arr.IsNull(r) {
			return math.NaN()
		}
		return get(r)
	}
}

func floatValues(arr arrow.Array) (func(int) float64, error) {
	switch v := arr.(type) {
	case *array.Float64:
		return nullable(v, v.Value), nil
	case *array.Float32:
		return nullable(v, func(i int) float64 { return float64(v.Value(i)) }), nil
	default:
		return nil, fmt.Errorf("%w: list elements of type %s", ErrShape, arr.DataType())
	}
}

// ToRecord builds a record batch with one float64 column per table column.
// Unnamed columns are called x0, x1, ...
func ToRecord(mem memory.Allocator, h *Host) arrow.RecordBatch {
	fields := make([]arrow.Field, h.cols)
	arrs := make([]arrow.Array, h.cols)
	b := array.NewFloat64Builder(mem)
	defer b.Release()

	for c := 0; c < h.cols; c++ {
		name := fmt.Sprintf("x%d", c)
		if h.names != nil {
			name = h.names[c]
		}
		fields[c] = arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float64}

		b.Reserve(h.rows)
		for r := 0; r < h.rows; r++ {
			b.UnsafeAppend(h.data[r*h.cols+c])
		}
		arrs[c] = b.NewArray()
		defer arrs[c].Release()
	}
	return array.NewRecordBatch(arrow.NewSchema(fields, nil), arrs, int64(h.rows))
}

// ReadIPC reads every record of an Arrow IPC stream into one host table.
func ReadIPC(r io.Reader, mem memory.Allocator) (*Host, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, err
	}
	defer rdr.Release()

	var out *Host
	for rdr.Next() {
		h, err := FromRecord(rdr.Record())
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = h
			continue
		}
		if h.cols != out.cols {
			return nil, fmt.Errorf("%w: batch with %d columns after %d", ErrShape, h.cols, out.cols)
		}
		out.data = append(out.data, h.data...)
		out.rows += h.rows
	}
	if err := rdr.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		return &Host{}, nil
	}
	return out, nil
}

// WriteIPC writes h as a single-record Arrow IPC stream.
func WriteIPC(w io.Writer, mem memory.Allocator, h *Host) error {
	rec := ToRecord(mem, h)
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// canonical strips accents and folds case so that "Émission" and
// "EMISSION" name the same column.
func canonical(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return cases.Fold().String(out)
}

// ColumnIndex returns the index of the column called name, comparing names
// after Unicode normalization and case folding.
func ColumnIndex(h *Host, name string) (int, error) {
	want := canonical(name)
	for i, n := range h.names {
		if canonical(n) == want {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
}

// Select returns a new table with the named columns in the given order.
func Select(h *Host, names ...string) (*Host, error) {
	idx := make([]int, len(names))
	for i, n := range names {
		j, err := ColumnIndex(h, n)
		if err != nil {
			return nil, err
		}
		idx[i] = j
	}
	out := &Host{data: make([]float64, h.rows*len(idx)), rows: h.rows, cols: len(idx), names: make([]string, len(idx))}
	for i, j := range idx {
		out.names[i] = h.names[j]
	}
	for r := 0; r < h.rows; r++ {
		src := h.Row(r)
		for i, j := range idx {
			out.data[r*out.cols+i] = src[j]
		}
	}
	return out, nil
}
