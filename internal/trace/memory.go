package trace

import (
	"fmt"

	"github.com/samplekit/mctrace/internal/ndarray"
)

// MemoryTrace stores one chain's draws in preallocated flat buffers, one per
// variable. It is the reference backend: the in-memory write path needs no
// locking because each chain has exactly one writer.
type MemoryTrace struct {
	shapes  map[string][]int
	names   []string
	strides map[string]int

	chain    int
	draws    int
	recorded int
	isSetup  bool
	closed   bool

	samples map[string][]float64
}

var _ ChainTrace = (*MemoryTrace)(nil)

// NewMemoryTrace creates an unbound in-memory backend for the given shape
// registry. Use Point.Shapes to derive the registry from a reference point.
func NewMemoryTrace(shapes map[string][]int) *MemoryTrace {
	strides := make(map[string]int, len(shapes))
	for name, shape := range shapes {
		stride := 1
		for _, dim := range shape {
			stride *= dim
		}
		strides[name] = stride
	}
	return &MemoryTrace{
		shapes:  copyShapes(shapes),
		names:   sortedNames(shapes),
		strides: strides,
	}
}

func (t *MemoryTrace) Setup(draws, chain int) error {
	if t.isSetup {
		return fmt.Errorf("%w: memory backend cannot be re-set up", ErrAlreadySetup)
	}
	if draws < 0 {
		return fmt.Errorf("draws must be non-negative (got %d)", draws)
	}
	if chain < 0 {
		return fmt.Errorf("chain id must be non-negative (got %d)", chain)
	}

	t.samples = make(map[string][]float64, len(t.shapes))
	for name, stride := range t.strides {
		t.samples[name] = make([]float64, draws*stride)
	}
	t.draws = draws
	t.chain = chain
	t.isSetup = true
	return nil
}

func (t *MemoryTrace) Record(point Point) error {
	if !t.isSetup {
		return fmt.Errorf("%w: Record before Setup", ErrNotSetup)
	}
	if t.closed {
		return fmt.Errorf("%w: Record after Close", ErrClosed)
	}
	if t.recorded >= t.draws {
		return fmt.Errorf("%w: %d draws requested", ErrCapacity, t.draws)
	}
	if err := checkPoint(t.shapes, point); err != nil {
		return err
	}

	for name, value := range point {
		stride := t.strides[name]
		copy(t.samples[name][t.recorded*stride:], value.Data())
	}
	t.recorded++
	return nil
}

// Close truncates every buffer to the recorded length. Recording fewer
// draws than requested and closing is the clean-interrupt path, not an
// error.
func (t *MemoryTrace) Close() error {
	if !t.isSetup {
		return fmt.Errorf("%w: Close before Setup", ErrNotSetup)
	}
	if t.closed {
		return nil
	}
	for name, stride := range t.strides {
		t.samples[name] = t.samples[name][:t.recorded*stride]
	}
	t.draws = t.recorded
	t.closed = true
	return nil
}

func (t *MemoryTrace) Chain() int { return t.chain }

func (t *MemoryTrace) Len() int { return t.recorded }

func (t *MemoryTrace) Varnames() []string {
	return append([]string(nil), t.names...)
}

func (t *MemoryTrace) VarShapes() map[string][]int {
	return copyShapes(t.shapes)
}

func (t *MemoryTrace) Get(varname string) (*ndarray.Array, error) {
	shape, ok := t.shapes[varname]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariable, varname)
	}
	stride := t.strides[varname]
	return ndarray.FromData(t.samples[varname][:t.recorded*stride], stackedShape(t.recorded, shape)...)
}

func (t *MemoryTrace) Point(idx int) (Point, error) {
	if idx < 0 {
		idx += t.recorded
	}
	if idx < 0 || idx >= t.recorded {
		return nil, fmt.Errorf("draw index %d out of range for %d recorded draws", idx, t.recorded)
	}

	point := make(Point, len(t.names))
	for _, name := range t.names {
		stacked, err := t.Get(name)
		if err != nil {
			return nil, err
		}
		row, err := stacked.Row(idx)
		if err != nil {
			return nil, err
		}
		point[name] = row
	}
	return point, nil
}

// newMemoryTraceFromArrays builds a closed in-memory chain from fully
// materialized per-variable arrays. Used by MultiTrace.Slice and by loaders
// that materialize persisted chains.
func newMemoryTraceFromArrays(chain int, shapes map[string][]int, values map[string]*ndarray.Array) (*MemoryTrace, error) {
	t := NewMemoryTrace(shapes)

	rows := -1
	for _, name := range t.names {
		arr, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing values for %q", ErrChainMismatch, name)
		}
		if !ndarray.ShapeEqual(arr.Shape()[1:], shapes[name]) {
			return nil, fmt.Errorf("%w: values for %q have shape %v, want per-draw shape %v", ErrChainMismatch, name, arr.Shape(), shapes[name])
		}
		if rows >= 0 && arr.Rows() != rows {
			return nil, fmt.Errorf("%w: variables disagree on draw count", ErrChainMismatch)
		}
		rows = arr.Rows()
	}
	if rows < 0 {
		rows = 0
	}

	if err := t.Setup(rows, chain); err != nil {
		return nil, err
	}
	for _, name := range t.names {
		copy(t.samples[name], values[name].Data())
	}
	t.recorded = rows
	if err := t.Close(); err != nil {
		return nil, err
	}
	return t, nil
}
