// Package trace stores and retrieves MCMC sample traces. A sampler records
// one Point per draw into a ChainTrace backend bound to a single chain;
// closed chains are aggregated into a MultiTrace, which exposes the
// burn/thin/chain-subset/combine selection algebra and dump/load adapters.
package trace

import (
	"fmt"
	"sort"

	"github.com/samplekit/mctrace/internal/ndarray"
)

// Point maps variable names to the fixed-shape value of one draw.
type Point map[string]*ndarray.Array

// Shapes derives the per-variable shape registry from a reference point.
// The registry is fixed for the lifetime of a trace.
func (p Point) Shapes() map[string][]int {
	shapes := make(map[string][]int, len(p))
	for name, value := range p {
		shapes[name] = value.Shape()
	}
	return shapes
}

// Varnames returns the point's variable names in sorted order.
func (p Point) Varnames() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone deep-copies a point so a backend owns its values after Record.
func (p Point) Clone() Point {
	out := make(Point, len(p))
	for name, value := range p {
		out[name] = value.Clone()
	}
	return out
}

// ChainTrace is the capability contract every storage backend implements.
// A backend is created unbound, fixed to one chain by Setup, fed draws in
// append order by Record, and made read-only by Close. Close truncates to
// the recorded length when the sampler stopped early; it is idempotent.
// MultiTrace depends only on this interface, never on a concrete backend.
type ChainTrace interface {
	// Setup allocates storage for draws and binds the chain id. Calling it
	// twice fails with ErrAlreadySetup.
	Setup(draws, chain int) error
	// Record appends one draw. It fails with ErrShapeMismatch when the
	// point disagrees with the shape registry and with ErrCapacity when
	// more draws than requested are recorded.
	Record(point Point) error
	// Close finalizes storage at the recorded length.
	Close() error

	Chain() int
	// Len is the number of draws recorded so far.
	Len() int
	Varnames() []string
	VarShapes() map[string][]int
	// Get returns the (recorded, shape...) array for one variable.
	Get(varname string) (*ndarray.Array, error)
	// Point returns the draw at idx; negative indices count from the end.
	Point(idx int) (Point, error)
}

// stackedShape is the storage shape of a variable: draws prepended to the
// per-draw shape.
func stackedShape(rows int, shape []int) []int {
	return append([]int{rows}, shape...)
}

func sortedNames(shapes map[string][]int) []string {
	names := make([]string, 0, len(shapes))
	for name := range shapes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func copyShapes(shapes map[string][]int) map[string][]int {
	out := make(map[string][]int, len(shapes))
	for name, shape := range shapes {
		out[name] = append([]int(nil), shape...)
	}
	return out
}

// checkPoint validates one recorded point against the shape registry: the
// variable set must match exactly and every value must carry the
// registered per-draw shape.
func checkPoint(shapes map[string][]int, point Point) error {
	for name, value := range point {
		shape, ok := shapes[name]
		if !ok {
			return fmt.Errorf("%w: point has unregistered variable %q", ErrShapeMismatch, name)
		}
		if !ndarray.ShapeEqual(value.Shape(), shape) {
			return fmt.Errorf("%w: variable %q has shape %v, want %v", ErrShapeMismatch, name, value.Shape(), shape)
		}
	}
	for name := range shapes {
		if _, ok := point[name]; !ok {
			return fmt.Errorf("%w: point is missing variable %q", ErrShapeMismatch, name)
		}
	}
	return nil
}
