package trace

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Persisted backends store each draw value as little-endian float64 bytes.
// Raw bit copies are what make the dump/load equivalence contract exact
// rather than approximate.

func encodeValues(values []float64) []byte {
	raw := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
	}
	return raw
}

func decodeValues(raw []byte, want int) ([]float64, error) {
	if len(raw) != 8*want {
		return nil, fmt.Errorf("value blob holds %d bytes, want %d", len(raw), 8*want)
	}
	values := make([]float64, want)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return values, nil
}

func encodeShape(shape []int) (string, error) {
	if shape == nil {
		shape = []int{}
	}
	raw, err := json.Marshal(shape)
	if err != nil {
		return "", fmt.Errorf("encode shape %v: %w", shape, err)
	}
	return string(raw), nil
}

func decodeShape(raw string) ([]int, error) {
	var shape []int
	if err := json.Unmarshal([]byte(raw), &shape); err != nil {
		return nil, fmt.Errorf("decode shape %q: %w", raw, err)
	}
	for _, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("decode shape %q: negative dimension", raw)
		}
	}
	return shape, nil
}

func strideOf(shape []int) int {
	stride := 1
	for _, dim := range shape {
		stride *= dim
	}
	return stride
}
