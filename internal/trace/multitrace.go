package trace

import (
	"fmt"
	"sort"

	"github.com/samplekit/mctrace/internal/ndarray"
)

// Selection names the draws and chains a query addresses. The zero value
// selects every draw of every chain.
//
// Burn drops a prefix of each chain's recorded draws; Thin keeps every
// Thin-th remaining draw (0 or 1 means all). The two compose as ordinary
// slice semantics, burn first. Chains lists chain ids in caller order,
// duplicates included; nil selects all chains in ascending id order.
// Combine concatenates the per-chain results along the draw axis.
type Selection struct {
	Burn    int
	Thin    int
	Chains  []int
	Combine bool
}

func (s Selection) thin() int {
	if s.Thin < 1 {
		return 1
	}
	return s.Thin
}

// MultiTrace aggregates closed ChainTrace instances, one per chain id, and
// answers selection queries uniformly across backends. It is read-only
// after construction and safe for concurrent readers.
type MultiTrace struct {
	traces map[int]ChainTrace
	chains []int
	shapes map[string][]int
	names  []string
}

// NewMultiTrace builds an aggregator from closed chain traces. It fails
// with ErrChainMismatch when member traces disagree on variable names or
// shapes, and when two traces claim the same chain id.
func NewMultiTrace(traces ...ChainTrace) (*MultiTrace, error) {
	if len(traces) == 0 {
		return nil, fmt.Errorf("%w: no chain traces given", ErrChainMismatch)
	}

	first := traces[0]
	m := &MultiTrace{
		traces: make(map[int]ChainTrace, len(traces)),
		shapes: first.VarShapes(),
		names:  first.Varnames(),
	}
	for _, t := range traces {
		if _, dup := m.traces[t.Chain()]; dup {
			return nil, fmt.Errorf("%w: duplicate chain id %d", ErrChainMismatch, t.Chain())
		}
		if err := checkShapesAgree(m.shapes, t.VarShapes()); err != nil {
			return nil, fmt.Errorf("chain %d: %w", t.Chain(), err)
		}
		m.traces[t.Chain()] = t
		m.chains = append(m.chains, t.Chain())
	}
	sort.Ints(m.chains)
	return m, nil
}

func checkShapesAgree(want, got map[string][]int) error {
	if len(want) != len(got) {
		return fmt.Errorf("%w: variable count %d vs %d", ErrChainMismatch, len(got), len(want))
	}
	for name, shape := range want {
		other, ok := got[name]
		if !ok {
			return fmt.Errorf("%w: missing variable %q", ErrChainMismatch, name)
		}
		if !ndarray.ShapeEqual(shape, other) {
			return fmt.Errorf("%w: variable %q has shape %v vs %v", ErrChainMismatch, name, other, shape)
		}
	}
	return nil
}

// Chains returns the member chain ids in ascending order.
func (m *MultiTrace) Chains() []int {
	return append([]int(nil), m.chains...)
}

// NChains returns the number of member chains.
func (m *MultiTrace) NChains() int { return len(m.chains) }

func (m *MultiTrace) Varnames() []string {
	return append([]string(nil), m.names...)
}

func (m *MultiTrace) VarShapes() map[string][]int {
	return copyShapes(m.shapes)
}

// Len returns the shortest recorded length across member chains, the
// common completed length used for default draw indexing.
func (m *MultiTrace) Len() int {
	shortest := -1
	for _, chain := range m.chains {
		n := m.traces[chain].Len()
		if shortest < 0 || n < shortest {
			shortest = n
		}
	}
	if shortest < 0 {
		return 0
	}
	return shortest
}

// ChainTrace returns the member trace for one chain id.
func (m *MultiTrace) ChainTrace(chain int) (ChainTrace, error) {
	t, ok := m.traces[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chain)
	}
	return t, nil
}

func (m *MultiTrace) resolveChains(sel []int) ([]ChainTrace, error) {
	if sel == nil {
		resolved := make([]ChainTrace, len(m.chains))
		for i, chain := range m.chains {
			resolved[i] = m.traces[chain]
		}
		return resolved, nil
	}

	// Caller-specified order and duplicates are significant; never re-sort.
	resolved := make([]ChainTrace, 0, len(sel))
	for _, chain := range sel {
		t, ok := m.traces[chain]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chain)
		}
		resolved = append(resolved, t)
	}
	return resolved, nil
}

// GetValues returns the selected draws of one variable, one array per
// resolved chain in resolved order. With sel.Combine the result is a
// single-element slice holding the concatenation in resolved-chain order.
func (m *MultiTrace) GetValues(varname string, sel Selection) ([]*ndarray.Array, error) {
	resolved, err := m.resolveChains(sel.Chains)
	if err != nil {
		return nil, err
	}

	arrays := make([]*ndarray.Array, 0, len(resolved))
	for _, t := range resolved {
		stacked, err := t.Get(varname)
		if err != nil {
			return nil, err
		}
		sliced, err := stacked.SliceRows(sel.Burn, stacked.Rows(), sel.thin())
		if err != nil {
			return nil, fmt.Errorf("chain %d: %w", t.Chain(), err)
		}
		arrays = append(arrays, sliced)
	}

	if sel.Combine {
		combined, err := ndarray.Concat(arrays...)
		if err != nil {
			return nil, err
		}
		return []*ndarray.Array{combined}, nil
	}
	return arrays, nil
}

// ChainValues returns the selection for a single chain as one array, the
// squeezed form of GetValues.
func (m *MultiTrace) ChainValues(varname string, chain int, sel Selection) (*ndarray.Array, error) {
	sel.Chains = []int{chain}
	sel.Combine = false
	arrays, err := m.GetValues(varname, sel)
	if err != nil {
		return nil, err
	}
	return arrays[0], nil
}

// Values returns one variable's draws with the default selection, the
// string-key lookup of the query surface.
func (m *MultiTrace) Values(varname string) ([]*ndarray.Array, error) {
	return m.GetValues(varname, Selection{})
}

// Point returns the draw at idx in the last chain; negative indices count
// from the end.
func (m *MultiTrace) Point(idx int) (Point, error) {
	return m.ChainPoint(m.chains[len(m.chains)-1], idx)
}

// ChainPoint returns the draw at idx in the given chain.
func (m *MultiTrace) ChainPoint(chain, idx int) (Point, error) {
	t, ok := m.traces[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chain)
	}
	return t.Point(idx)
}

// Slice returns a new aggregator with every member chain restricted to the
// start:stop draw range. Negative bounds count from each chain's recorded
// end; out-of-range bounds clamp. Member chains are materialized in memory,
// so slicing a persisted trace does not touch its storage.
func (m *MultiTrace) Slice(start, stop int) (*MultiTrace, error) {
	sliced := make([]ChainTrace, 0, len(m.chains))
	for _, chain := range m.chains {
		t := m.traces[chain]
		values := make(map[string]*ndarray.Array, len(m.names))
		for _, name := range m.names {
			stacked, err := t.Get(name)
			if err != nil {
				return nil, err
			}
			cut, err := stacked.SliceRows(start, stop, 1)
			if err != nil {
				return nil, fmt.Errorf("chain %d: %w", chain, err)
			}
			values[name] = cut
		}
		mem, err := newMemoryTraceFromArrays(chain, m.shapes, values)
		if err != nil {
			return nil, err
		}
		sliced = append(sliced, mem)
	}
	return NewMultiTrace(sliced...)
}
