package comm

import (
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
)

// DataType is the element type of a reduction buffer.
type DataType int

const (
	Float64 DataType = iota
	Int64
)

// Size returns the element width in bytes.
func (dt DataType) Size() int {
	return 8
}

func (dt DataType) String() string {
	switch dt {
	case Float64:
		return "float64"
	case Int64:
		return "int64"
	default:
		return "unknown"
	}
}

// ReduceOp is an associative, commutative element-wise reduction.
type ReduceOp int

const (
	Sum ReduceOp = iota
	Min
	Max
)

func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "sum"
	case Min:
		return "min"
	case Max:
		return "max"
	default:
		return "unknown"
	}
}

// reduceParts folds parts in rank order, so every rank that reduces the same
// parts produces bit-identical output.
func reduceParts(parts [][]byte, dt DataType, op ReduceOp) ([]byte, error) {
	if len(parts) == 0 {
		return nil, nil
	}
	out := make([]byte, len(parts[0]))
	copy(out, parts[0])
	if len(out)%dt.Size() != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %s", ErrBufferMismatch, len(out), dt)
	}
	for rank, p := range parts[1:] {
		if len(p) != len(out) {
			return nil, fmt.Errorf("%w: rank %d sent %d bytes, rank 0 sent %d", ErrBufferMismatch, rank+1, len(p), len(out))
		}
		switch dt {
		case Float64:
			reduceFloat64(arrow.Float64Traits.CastFromBytes(out), arrow.Float64Traits.CastFromBytes(p), op)
		case Int64:
			reduceInt64(arrow.Int64Traits.CastFromBytes(out), arrow.Int64Traits.CastFromBytes(p), op)
		default:
			return nil, fmt.Errorf("comm: unsupported data type %d", dt)
		}
	}
	return out, nil
}

func reduceFloat64(dst, src []float64, op ReduceOp) {
	switch op {
	case Sum:
		for i, v := range src {
			dst[i] += v
		}
	case Min:
		for i, v := range src {
			dst[i] = math.Min(dst[i], v)
		}
	case Max:
		for i, v := range src {
			dst[i] = math.Max(dst[i], v)
		}
	}
}

func reduceInt64(dst, src []int64, op ReduceOp) {
	switch op {
	case Sum:
		for i, v := range src {
			dst[i] += v
		}
	case Min:
		for i, v := range src {
			dst[i] = min(dst[i], v)
		}
	case Max:
		for i, v := range src {
			dst[i] = max(dst[i], v)
		}
	}
}
