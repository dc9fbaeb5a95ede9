// Package table holds the dense float64 tables algorithms consume, either in
// host memory or in a buffer owned by an accelerator queue.
package table

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/device"
)

var (
	// ErrShape is returned for tables whose dimensions do not fit the
	// operation, such as a block with the wrong column count.
	ErrShape = errors.New("table: shape mismatch")

	// ErrResidency is returned when a table lives in memory the backend
	// cannot address.
	ErrResidency = errors.New("table: residency mismatch")
)

// Residency tells where a table's values live.
type Residency int

const (
	HostMemory Residency = iota
	DeviceMemory
)

func (r Residency) String() string {
	if r == DeviceMemory {
		return "device"
	}
	return "host"
}

// Table is a dense row-major matrix of float64 values.
type Table interface {
	Dims() (rows, cols int)
	Residency() Residency
}

// Host is a table in host memory. Row slices share its storage.
type Host struct {
	data  []float64
	rows  int
	cols  int
	names []string
}

// NewHost wraps data, which must hold rows*cols values in row-major order.
func NewHost(data []float64, rows, cols int) (*Host, error) {
	if rows < 0 || cols < 0 || len(data) != rows*cols {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrShape, len(data), rows, cols)
	}
	return &Host{data: data, rows: rows, cols: cols}, nil
}

// FromRows copies rows into a new table. Every row must have the same length.
func FromRows(rows [][]float64) (*Host, error) {
	if len(rows) == 0 {
		return &Host{}, nil
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrShape, i, len(r), cols)
		}
		data = append(data, r...)
	}
	return &Host{data: data, rows: len(rows), cols: cols}, nil
}

func (h *Host) Dims() (int, int)     { return h.rows, h.cols }
func (h *Host) Residency() Residency { return HostMemory }

// Data returns the row-major backing slice.
func (h *Host) Data() []float64 {
	return h.data
}

// Row returns row i without copying.
func (h *Host) Row(i int) []float64 {
	return h.data[i*h.cols : (i+1)*h.cols : (i+1)*h.cols]
}

// Names returns the column names, or nil if the table has none.
func (h *Host) Names() []string {
	return h.names
}

// WithNames returns a table sharing h's data with the given column names.
func (h *Host) WithNames(names ...string) (*Host, error) {
	if len(names) != h.cols {
		return nil, fmt.Errorf("%w: %d names for %d columns", ErrShape, len(names), h.cols)
	}
	out := *h
	out.names = names
	return &out, nil
}

// Dense returns a gonum view of the table, or nil for an empty table.
func (h *Host) Dense() *mat.Dense {
	if h.rows == 0 || h.cols == 0 {
		return nil
	}
	return mat.NewDense(h.rows, h.cols, h.data)
}

// Rows returns rows [i, j) of h without copying.
func Rows(h *Host, i, j int) (*Host, error) {
	if i < 0 || j < i || j > h.rows {
		return nil, fmt.Errorf("%w: rows [%d, %d) of %d", ErrShape, i, j, h.rows)
	}
	return &Host{
		data:  h.data[i*h.cols : j*h.cols : j*h.cols],
		rows:  j - i,
		cols:  h.cols,
		names: h.names,
	}, nil
}

// Split partitions h into k contiguous row ranges whose sizes differ by at
// most one. Earlier parts get the extra rows.
func Split(h *Host, k int) ([]*Host, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: cannot split into %d parts", ErrShape, k)
	}
	parts := make([]*Host, k)
	base, extra := h.rows/k, h.rows%k
	start := 0
	for p := 0; p < k; p++ {
		n := base
		if p < extra {
			n++
		}
		part, err := Rows(h, start, start+n)
		if err != nil {
			return nil, err
		}
		parts[p] = part
		start += n
	}
	return parts, nil
}

// Device is a table resident in a queue's memory.
type Device struct {
	buf  device.Buffer
	rows int
	cols int
}

// Upload copies h into a buffer on q.
func Upload(q device.Queue, h *Host) (*Device, error) {
	if err := device.Validate(q); err != nil {
		return nil, err
	}
	return &Device{buf: q.Upload(h.data), rows: h.rows, cols: h.cols}, nil
}

// OnDevice wraps an existing buffer holding rows*cols values.
func OnDevice(buf device.Buffer, rows, cols int) (*Device, error) {
	if buf == nil || buf.Len() != rows*cols {
		return nil, fmt.Errorf("%w: buffer does not hold %dx%d values", ErrShape, rows, cols)
	}
	return &Device{buf: buf, rows: rows, cols: cols}, nil
}

func (d *Device) Dims() (int, int)      { return d.rows, d.cols }
func (d *Device) Residency() Residency  { return DeviceMemory }
func (d *Device) Buffer() device.Buffer { return d.buf }
func (d *Device) Queue() device.Queue   { return d.buf.Queue() }

// Download synchronizes the owning queue and copies the table to the host.
func (d *Device) Download() *Host {
	return &Host{data: d.buf.ToHost(), rows: d.rows, cols: d.cols}
}

// HostOf returns t as a host table, rejecting device tables.
func HostOf(t Table) (*Host, error) {
	switch v := t.(type) {
	case *Host:
		return v, nil
	case nil:
		return nil, fmt.Errorf("%w: nil table", ErrShape)
	default:
		return nil, fmt.Errorf("%w: %s table passed to a host backend", ErrResidency, t.Residency())
	}
}

// DeviceOf returns t as a table on q, uploading host tables. Tables resident
// on another queue are rejected.
func DeviceOf(q device.Queue, t Table) (*Device, error) {
	if err := device.Validate(q); err != nil {
		return nil, err
	}
	switch v := t.(type) {
	case *Device:
		if v.Queue() != q {
			return nil, fmt.Errorf("%w: table on queue %s, policy queue %s", ErrResidency, v.Queue().Name(), q.Name())
		}
		return v, nil
	case *Host:
		return Upload(q, v)
	case nil:
		return nil, fmt.Errorf("%w: nil table", ErrShape)
	default:
		return nil, fmt.Errorf("%w: unsupported table %T", ErrResidency, t)
	}
}
