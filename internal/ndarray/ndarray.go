// Package ndarray implements a dense n-dimensional float64 array backed by a
// flat buffer. The first axis is the draw axis: storage backends stack one
// fixed-shape value per draw, and selection slices, concatenates and indexes
// along that axis only.
package ndarray

import (
	"fmt"
	"math"
)

// Array is a dense float64 array with row-major layout.
type Array struct {
	shape []int
	data  []float64
}

// New returns a zero-filled array of the given shape. A nil or empty shape
// produces a rank-0 array holding a single element.
func New(shape ...int) *Array {
	return &Array{
		shape: append([]int(nil), shape...),
		data:  make([]float64, sizeOf(shape)),
	}
}

// FromData wraps data in an array of the given shape. The data slice is used
// directly, not copied.
func FromData(data []float64, shape ...int) (*Array, error) {
	if len(data) != sizeOf(shape) {
		return nil, fmt.Errorf("ndarray: data length %d does not fit shape %v (want %d)", len(data), shape, sizeOf(shape))
	}
	return &Array{shape: append([]int(nil), shape...), data: data}, nil
}

// Arange returns a 1-d array holding 0, 1, ..., n-1.
func Arange(n int) *Array {
	data := make([]float64, n)
	for i := range data {
		data[i] = float64(i)
	}
	return &Array{shape: []int{n}, data: data}
}

func sizeOf(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// Shape returns a copy of the array's shape.
func (a *Array) Shape() []int {
	return append([]int(nil), a.shape...)
}

// Size returns the total number of elements.
func (a *Array) Size() int {
	return len(a.data)
}

// Rank returns the number of axes.
func (a *Array) Rank() int {
	return len(a.shape)
}

// Rows returns the length of the draw axis. A rank-0 array has one row.
func (a *Array) Rows() int {
	if len(a.shape) == 0 {
		return 1
	}
	return a.shape[0]
}

// Stride returns the number of elements per row along the draw axis.
func (a *Array) Stride() int {
	if len(a.shape) == 0 {
		return 1
	}
	return sizeOf(a.shape[1:])
}

// Data returns the underlying flat buffer. Callers must treat it as
// read-only unless they own the array.
func (a *Array) Data() []float64 {
	return a.data
}

// At returns the element at the given multi-index.
func (a *Array) At(indices ...int) (float64, error) {
	if len(indices) != len(a.shape) {
		return 0, fmt.Errorf("ndarray: index rank %d does not match array rank %d", len(indices), len(a.shape))
	}
	offset := 0
	for axis, idx := range indices {
		if idx < 0 || idx >= a.shape[axis] {
			return 0, fmt.Errorf("ndarray: index %d out of range for axis %d (size %d)", idx, axis, a.shape[axis])
		}
		offset = offset*a.shape[axis] + idx
	}
	return a.data[offset], nil
}

// Reshape returns a view of the same data with a new shape.
func (a *Array) Reshape(shape ...int) (*Array, error) {
	if sizeOf(shape) != len(a.data) {
		return nil, fmt.Errorf("ndarray: cannot reshape %d elements to %v", len(a.data), shape)
	}
	return &Array{shape: append([]int(nil), shape...), data: a.data}, nil
}

// Row returns the sub-array at index i along the draw axis, sharing the
// underlying buffer. The result has the row shape (one rank lower).
func (a *Array) Row(i int) (*Array, error) {
	rows := a.Rows()
	if i < 0 {
		i += rows
	}
	if len(a.shape) == 0 || i < 0 || i >= rows {
		return nil, fmt.Errorf("ndarray: row %d out of range for %d rows", i, rows)
	}
	stride := a.Stride()
	return &Array{
		shape: append([]int(nil), a.shape[1:]...),
		data:  a.data[i*stride : (i+1)*stride],
	}, nil
}

// SliceRows returns a copy of the rows selected by start:stop:step slice
// semantics along the draw axis: out-of-range bounds clamp rather than fail,
// matching how burn and thin compose.
func (a *Array) SliceRows(start, stop, step int) (*Array, error) {
	if len(a.shape) == 0 {
		return nil, fmt.Errorf("ndarray: cannot slice a rank-0 array")
	}
	if step < 1 {
		return nil, fmt.Errorf("ndarray: slice step must be >= 1 (got %d)", step)
	}
	rows := a.shape[0]
	if start < 0 {
		start += rows
	}
	if stop < 0 {
		stop += rows
	}
	start = clamp(start, 0, rows)
	stop = clamp(stop, 0, rows)

	stride := a.Stride()
	outRows := 0
	if stop > start {
		outRows = (stop - start + step - 1) / step
	}
	outShape := append([]int{outRows}, a.shape[1:]...)
	out := make([]float64, outRows*stride)
	for r := 0; r < outRows; r++ {
		src := (start + r*step) * stride
		copy(out[r*stride:(r+1)*stride], a.data[src:src+stride])
	}
	return &Array{shape: outShape, data: out}, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Concat concatenates arrays along the draw axis. All arrays must share the
// same row shape.
func Concat(arrays ...*Array) (*Array, error) {
	if len(arrays) == 0 {
		return nil, fmt.Errorf("ndarray: concat of zero arrays")
	}
	rowShape := arrays[0].shape
	if len(rowShape) == 0 {
		return nil, fmt.Errorf("ndarray: cannot concat rank-0 arrays")
	}
	rowShape = rowShape[1:]

	totalRows := 0
	for _, arr := range arrays {
		if len(arr.shape) == 0 || !ShapeEqual(arr.shape[1:], rowShape) {
			return nil, fmt.Errorf("ndarray: concat shape mismatch: %v vs %v", arr.shape, arrays[0].shape)
		}
		totalRows += arr.shape[0]
	}

	out := make([]float64, 0, totalRows*sizeOf(rowShape))
	for _, arr := range arrays {
		out = append(out, arr.data...)
	}
	return &Array{shape: append([]int{totalRows}, rowShape...), data: out}, nil
}

// Stack stacks same-shape arrays as the rows of a new array one rank higher.
func Stack(arrays ...*Array) (*Array, error) {
	if len(arrays) == 0 {
		return nil, fmt.Errorf("ndarray: stack of zero arrays")
	}
	rowShape := arrays[0].shape
	out := make([]float64, 0, len(arrays)*sizeOf(rowShape))
	for _, arr := range arrays {
		if !ShapeEqual(arr.shape, rowShape) {
			return nil, fmt.Errorf("ndarray: stack shape mismatch: %v vs %v", arr.shape, rowShape)
		}
		out = append(out, arr.data...)
	}
	return &Array{shape: append([]int{len(arrays)}, rowShape...), data: out}, nil
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	return &Array{
		shape: append([]int(nil), a.shape...),
		data:  append([]float64(nil), a.data...),
	}
}

// Scale returns a copy with every element multiplied by f.
func (a *Array) Scale(f float64) *Array {
	out := a.Clone()
	for i := range out.data {
		out.data[i] *= f
	}
	return out
}

// Equal reports exact equality of shape and elements. Elements compare by
// bit pattern, so NaN payloads survive round-trip comparison.
func (a *Array) Equal(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !ShapeEqual(a.shape, b.shape) {
		return false
	}
	for i := range a.data {
		if math.Float64bits(a.data[i]) != math.Float64bits(b.data[i]) {
			return false
		}
	}
	return true
}

// ShapeEqual reports whether two shapes are identical.
func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
