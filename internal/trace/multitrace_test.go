package trace

import (
	"errors"
	"testing"

	"github.com/samplekit/mctrace/internal/ndarray"
)

func TestGetValuesDefault(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	arrays, err := m.GetValues("x", Selection{})
	if err != nil {
		t.Fatalf("GetValues() error: %v", err)
	}
	if len(arrays) != 2 {
		t.Fatalf("got %d arrays, want 2", len(arrays))
	}
	assertArraysEqual(t, arrays[0], fixtureValues(t, 1), "chain 0")
	assertArraysEqual(t, arrays[1], fixtureValues(t, fixtureScale), "chain 1")
}

func TestGetValuesBurn(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	arrays, err := m.GetValues("x", Selection{Burn: 2})
	if err != nil {
		t.Fatalf("GetValues() error: %v", err)
	}
	want0, _ := fixtureValues(t, 1).SliceRows(2, fixtureDraws, 1)
	want1, _ := fixtureValues(t, fixtureScale).SliceRows(2, fixtureDraws, 1)
	assertArraysEqual(t, arrays[0], want0, "chain 0 burned")
	assertArraysEqual(t, arrays[1], want1, "chain 1 burned")
	if !ndarray.ShapeEqual(arrays[0].Shape(), []int{3, 2, 2}) {
		t.Fatalf("burned shape=%v, want [3 2 2]", arrays[0].Shape())
	}
}

func TestGetValuesThin(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	arrays, err := m.GetValues("x", Selection{Thin: 2})
	if err != nil {
		t.Fatalf("GetValues() error: %v", err)
	}
	want0, _ := fixtureValues(t, 1).SliceRows(0, fixtureDraws, 2)
	assertArraysEqual(t, arrays[0], want0, "chain 0 thinned")
}

func TestGetValuesBurnAndThinCompose(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	arrays, err := m.GetValues("x", Selection{Burn: 1, Thin: 2})
	if err != nil {
		t.Fatalf("GetValues() error: %v", err)
	}
	// burn then thin: draws 1 and 3 of 0..4.
	want, _ := fixtureValues(t, 1).SliceRows(1, fixtureDraws, 2)
	assertArraysEqual(t, arrays[0], want, "chain 0 burned+thinned")
	if arrays[0].Rows() != 2 {
		t.Fatalf("rows=%d, want 2", arrays[0].Rows())
	}
}

func TestGetValuesSingleChain(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	arrays, err := m.GetValues("x", Selection{Chains: []int{0}})
	if err != nil {
		t.Fatalf("GetValues() error: %v", err)
	}
	if len(arrays) != 1 {
		t.Fatalf("got %d arrays, want 1", len(arrays))
	}
	assertArraysEqual(t, arrays[0], fixtureValues(t, 1), "chain 0 only")

	single, err := m.ChainValues("x", 0, Selection{})
	if err != nil {
		t.Fatalf("ChainValues() error: %v", err)
	}
	assertArraysEqual(t, single, arrays[0], "squeezed chain 0")
}

func TestGetValuesChainsReversedPreservesOrder(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	arrays, err := m.GetValues("x", Selection{Chains: []int{1, 0}})
	if err != nil {
		t.Fatalf("GetValues() error: %v", err)
	}
	assertArraysEqual(t, arrays[0], fixtureValues(t, fixtureScale), "chain 1 first")
	assertArraysEqual(t, arrays[1], fixtureValues(t, 1), "chain 0 second")
}

func TestGetValuesDuplicateChains(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	arrays, err := m.GetValues("x", Selection{Chains: []int{0, 0}})
	if err != nil {
		t.Fatalf("GetValues() error: %v", err)
	}
	if len(arrays) != 2 {
		t.Fatalf("got %d arrays, want duplicate selection to yield 2", len(arrays))
	}
	assertArraysEqual(t, arrays[0], arrays[1], "duplicate chain selection")
}

func TestGetValuesCombine(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	arrays, err := m.GetValues("x", Selection{Combine: true})
	if err != nil {
		t.Fatalf("GetValues() error: %v", err)
	}
	if len(arrays) != 1 {
		t.Fatalf("combine returned %d arrays, want 1", len(arrays))
	}
	want, _ := ndarray.Concat(fixtureValues(t, 1), fixtureValues(t, fixtureScale))
	assertArraysEqual(t, arrays[0], want, "combined chains")
}

func TestGetValuesCombineWithBurn(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	arrays, err := m.GetValues("x", Selection{Combine: true, Burn: 2})
	if err != nil {
		t.Fatalf("GetValues() error: %v", err)
	}
	part0, _ := fixtureValues(t, 1).SliceRows(2, fixtureDraws, 1)
	part1, _ := fixtureValues(t, fixtureScale).SliceRows(2, fixtureDraws, 1)
	want, _ := ndarray.Concat(part0, part1)
	assertArraysEqual(t, arrays[0], want, "combined burned chains")
}

func TestGetValuesCombineWithThin(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	arrays, err := m.GetValues("x", Selection{Combine: true, Thin: 2})
	if err != nil {
		t.Fatalf("GetValues() error: %v", err)
	}
	part0, _ := fixtureValues(t, 1).SliceRows(0, fixtureDraws, 2)
	part1, _ := fixtureValues(t, fixtureScale).SliceRows(0, fixtureDraws, 2)
	want, _ := ndarray.Concat(part0, part1)
	if !ndarray.ShapeEqual(arrays[0].Shape(), []int{6, 2, 2}) {
		t.Fatalf("combined thinned shape=%v, want [6 2 2]", arrays[0].Shape())
	}
	assertArraysEqual(t, arrays[0], want, "combined thinned chains")
}

func TestGetValuesUnknownChain(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	if _, err := m.GetValues("x", Selection{Chains: []int{7}}); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("GetValues(chain 7) error=%v, want %v", err, ErrUnknownChain)
	}
}

func TestGetValuesUnknownVariable(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	if _, err := m.GetValues("y", Selection{}); !errors.Is(err, ErrUnknownVariable) {
		t.Fatalf("GetValues(unknown) error=%v, want %v", err, ErrUnknownVariable)
	}
}

func TestMultiTraceLenAndNChains(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	if m.Len() != fixtureDraws {
		t.Fatalf("Len()=%d, want %d", m.Len(), fixtureDraws)
	}
	if m.NChains() != 2 {
		t.Fatalf("NChains()=%d, want 2", m.NChains())
	}
	if chains := m.Chains(); len(chains) != 2 || chains[0] != 0 || chains[1] != 1 {
		t.Fatalf("Chains()=%v, want [0 1]", chains)
	}
}

func TestMultiTraceLenIsShortestChain(t *testing.T) {
	t.Parallel()

	trace0 := memoryBackend()
	recordFixtureChain(t, trace0, 0, 1)

	trace1 := NewMemoryTrace(fixtureShapes())
	if err := trace1.Setup(fixtureDraws, 1); err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if err := trace1.Record(Point{"x": ndarray.New(2, 2)}); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if err := trace1.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	m, err := NewMultiTrace(trace0, trace1)
	if err != nil {
		t.Fatalf("NewMultiTrace() error: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len()=%d, want 1 (shortest chain)", m.Len())
	}
}

func TestPointDefaultsToLastChain(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	point, err := m.Point(2)
	if err != nil {
		t.Fatalf("Point(2) error: %v", err)
	}
	want, _ := fixtureValues(t, fixtureScale).Row(2)
	assertArraysEqual(t, point["x"], want, "point from last chain")
}

func TestPointMatchesGetValues(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	for idx := 0; idx < fixtureDraws; idx++ {
		point, err := m.Point(idx)
		if err != nil {
			t.Fatalf("Point(%d) error: %v", idx, err)
		}
		values, err := m.ChainValues("x", 1, Selection{})
		if err != nil {
			t.Fatalf("ChainValues() error: %v", err)
		}
		want, _ := values.Row(idx)
		assertArraysEqual(t, point["x"], want, "point vs values")
	}
}

func TestChainPointWithExplicitChain(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	point, err := m.ChainPoint(0, 4)
	if err != nil {
		t.Fatalf("ChainPoint(0, 4) error: %v", err)
	}
	want, _ := fixtureValues(t, 1).Row(4)
	assertArraysEqual(t, point["x"], want, "chain 0 point")

	neg, err := m.ChainPoint(0, -1)
	if err != nil {
		t.Fatalf("ChainPoint(0, -1) error: %v", err)
	}
	assertArraysEqual(t, neg["x"], want, "chain 0 negative index point")
}

func TestSliceRestrictsEveryChain(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	sliced, err := m.Slice(0, 2)
	if err != nil {
		t.Fatalf("Slice() error: %v", err)
	}
	if sliced.Len() != 2 {
		t.Fatalf("sliced Len()=%d, want 2", sliced.Len())
	}
	if sliced.NChains() != 2 {
		t.Fatalf("sliced NChains()=%d, want 2", sliced.NChains())
	}

	for chain, scale := range map[int]float64{0: 1, 1: fixtureScale} {
		got, err := sliced.ChainValues("x", chain, Selection{})
		if err != nil {
			t.Fatalf("sliced ChainValues(chain %d) error: %v", chain, err)
		}
		want, _ := fixtureValues(t, scale).SliceRows(0, 2, 1)
		assertArraysEqual(t, got, want, "sliced chain values")
	}
}

func TestNewMultiTraceRejectsMismatchedChains(t *testing.T) {
	t.Parallel()

	trace0 := memoryBackend()
	recordFixtureChain(t, trace0, 0, 1)

	other := NewMemoryTrace(map[string][]int{"y": {2}})
	if err := other.Setup(1, 1); err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if err := other.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	if _, err := NewMultiTrace(trace0, other); !errors.Is(err, ErrChainMismatch) {
		t.Fatalf("NewMultiTrace() error=%v, want %v", err, ErrChainMismatch)
	}
}

func TestNewMultiTraceRejectsDuplicateChainIDs(t *testing.T) {
	t.Parallel()

	trace0 := memoryBackend()
	trace1 := memoryBackend()
	recordFixtureChain(t, trace0, 0, 1)
	recordFixtureChain(t, trace1, 0, fixtureScale)

	if _, err := NewMultiTrace(trace0, trace1); !errors.Is(err, ErrChainMismatch) {
		t.Fatalf("NewMultiTrace() error=%v, want %v", err, ErrChainMismatch)
	}
}

func TestBurnToSingleDraw(t *testing.T) {
	t.Parallel()

	m := sampledMultiTrace(t, memoryBackend)
	arrays, err := m.GetValues("x", Selection{Burn: fixtureDraws - 1})
	if err != nil {
		t.Fatalf("GetValues() error: %v", err)
	}
	for i, arr := range arrays {
		if arr.Rows() != 1 {
			t.Fatalf("chain %d rows=%d, want 1", i, arr.Rows())
		}
	}
}
