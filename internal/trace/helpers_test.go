package trace

import (
	"testing"

	"github.com/samplekit/mctrace/internal/ndarray"
)

// The sampled fixture mirrors the canonical scenario used across backends:
// two chains, one variable "x" of per-draw shape (2,2), five draws, chain 0
// holding 0..19 in draw order and chain 1 the same values times 100.

const (
	fixtureDraws = 5
	fixtureScale = 100.0
)

func fixtureShapes() map[string][]int {
	return map[string][]int{"x": {2, 2}}
}

// fixtureValues returns the expected stacked (draws, 2, 2) array for one
// chain of the fixture.
func fixtureValues(t *testing.T, scale float64) *ndarray.Array {
	t.Helper()

	arr, err := ndarray.Arange(fixtureDraws * 4).Reshape(fixtureDraws, 2, 2)
	if err != nil {
		t.Fatalf("build fixture values: %v", err)
	}
	if scale != 1 {
		arr = arr.Scale(scale)
	}
	return arr
}

// recordFixtureChain runs the full lifecycle on a fresh backend: setup,
// five in-order records, close.
func recordFixtureChain(t *testing.T, ct ChainTrace, chain int, scale float64) {
	t.Helper()

	if err := ct.Setup(fixtureDraws, chain); err != nil {
		t.Fatalf("Setup(chain %d) error: %v", chain, err)
	}
	expected := fixtureValues(t, scale)
	for idx := 0; idx < fixtureDraws; idx++ {
		row, err := expected.Row(idx)
		if err != nil {
			t.Fatalf("fixture row %d: %v", idx, err)
		}
		if err := ct.Record(Point{"x": row}); err != nil {
			t.Fatalf("Record(chain %d, draw %d) error: %v", chain, idx, err)
		}
	}
	if err := ct.Close(); err != nil {
		t.Fatalf("Close(chain %d) error: %v", chain, err)
	}
}

// sampledMultiTrace builds the two-chain fixture aggregator on backends
// produced by newBackend.
func sampledMultiTrace(t *testing.T, newBackend func() ChainTrace) *MultiTrace {
	t.Helper()

	trace0 := newBackend()
	trace1 := newBackend()
	recordFixtureChain(t, trace0, 0, 1)
	recordFixtureChain(t, trace1, 1, fixtureScale)

	m, err := NewMultiTrace(trace0, trace1)
	if err != nil {
		t.Fatalf("NewMultiTrace() error: %v", err)
	}
	return m
}

func memoryBackend() ChainTrace {
	return NewMemoryTrace(fixtureShapes())
}

func assertArraysEqual(t *testing.T, got, want *ndarray.Array, context string) {
	t.Helper()

	if !got.Equal(want) {
		t.Fatalf("%s: got shape %v data %v, want shape %v data %v",
			context, got.Shape(), got.Data(), want.Shape(), want.Data())
	}
}

// assertEquivalent checks the full equivalence contract between two
// aggregators: chain count, sorted varnames, and bit-identical values for
// every chain subset, burn, thin and combine combination exercised.
func assertEquivalent(t *testing.T, a, b *MultiTrace) {
	t.Helper()

	if a.NChains() != b.NChains() {
		t.Fatalf("nchains=%d vs %d", a.NChains(), b.NChains())
	}
	if len(a.Varnames()) != len(b.Varnames()) {
		t.Fatalf("varnames=%v vs %v", a.Varnames(), b.Varnames())
	}
	for i, name := range a.Varnames() {
		if b.Varnames()[i] != name {
			t.Fatalf("varnames=%v vs %v", a.Varnames(), b.Varnames())
		}
	}
	for _, chain := range a.Chains() {
		at, err := a.ChainTrace(chain)
		if err != nil {
			t.Fatalf("chain %d: %v", chain, err)
		}
		bt, err := b.ChainTrace(chain)
		if err != nil {
			t.Fatalf("chain %d missing from loaded aggregator: %v", chain, err)
		}
		if at.Len() != bt.Len() {
			t.Fatalf("chain %d length %d vs %d", chain, at.Len(), bt.Len())
		}
	}

	selections := []Selection{
		{},
		{Burn: 2},
		{Thin: 2},
		{Burn: 1, Thin: 2},
		{Chains: []int{0}},
		{Chains: []int{1, 0}},
		{Combine: true},
		{Combine: true, Burn: 2},
		{Combine: true, Thin: 2},
	}
	for _, name := range a.Varnames() {
		for _, sel := range selections {
			got, err := a.GetValues(name, sel)
			if err != nil {
				t.Fatalf("GetValues(%q, %+v) error: %v", name, sel, err)
			}
			want, err := b.GetValues(name, sel)
			if err != nil {
				t.Fatalf("loaded GetValues(%q, %+v) error: %v", name, sel, err)
			}
			if len(got) != len(want) {
				t.Fatalf("GetValues(%q, %+v): %d arrays vs %d", name, sel, len(got), len(want))
			}
			for i := range got {
				if !got[i].Equal(want[i]) {
					t.Fatalf("GetValues(%q, %+v): array %d differs", name, sel, i)
				}
			}
		}
	}
}
