package trace

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/samplekit/mctrace/internal/ndarray"
)

const textShapesFile = "shapes.json"

// TextTrace stores one chain's draws as a CSV file in a destination
// directory, one row per draw with the variable arrays flattened into
// columns. Floats are written in shortest round-trip form, so reading them
// back is exact. A shapes.json manifest in the directory records the
// registry shared by all chains.
type TextTrace struct {
	Dir string

	shapes  map[string][]int
	names   []string
	strides map[string]int

	chain    int
	draws    int
	recorded int
	isSetup  bool
	closed   bool

	file *os.File
	buf  *bufio.Writer

	metrics *RecorderMetrics
}

var _ ChainTrace = (*TextTrace)(nil)

// NewTextTrace prepares dir for recording and registers the shape registry
// in its manifest. A manifest already present with different shapes fails
// with ErrChainMismatch.
func NewTextTrace(dir string, shapes map[string][]int) (*TextTrace, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("text trace directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create text trace directory %q: %w", dir, err)
	}

	t := &TextTrace{
		Dir:     dir,
		shapes:  copyShapes(shapes),
		names:   sortedNames(shapes),
		strides: make(map[string]int, len(shapes)),
	}
	for name, shape := range t.shapes {
		t.strides[name] = strideOf(shape)
	}

	if err := writeOrVerifyManifest(dir, t.shapes); err != nil {
		return nil, err
	}
	return t, nil
}

// SetMetrics installs optional pipeline callbacks. Call before Setup.
func (t *TextTrace) SetMetrics(m *RecorderMetrics) {
	t.metrics = m
}

func writeOrVerifyManifest(dir string, shapes map[string][]int) error {
	path := filepath.Join(dir, textShapesFile)

	existing, err := readManifest(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		encoded := make(map[string][]int, len(shapes))
		for name, shape := range shapes {
			if shape == nil {
				shape = []int{}
			}
			encoded[name] = shape
		}
		raw, err := json.MarshalIndent(encoded, "", "  ")
		if err != nil {
			return fmt.Errorf("encode shape manifest: %w", err)
		}
		if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
			return fmt.Errorf("write shape manifest %q: %w", path, err)
		}
		return nil
	case err != nil:
		return err
	}

	if err := checkShapesAgree(shapes, existing); err != nil {
		return fmt.Errorf("manifest %q: %w", path, err)
	}
	return nil
}

func readManifest(dir string) (map[string][]int, error) {
	path := filepath.Join(dir, textShapesFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("read shape manifest %q: %w", path, err)
	}
	shapes := make(map[string][]int)
	if err := json.Unmarshal(raw, &shapes); err != nil {
		return nil, fmt.Errorf("decode shape manifest %q: %w", path, err)
	}
	for name, shape := range shapes {
		if shape == nil {
			shapes[name] = []int{}
		}
		for _, dim := range shape {
			if dim < 0 {
				return nil, fmt.Errorf("decode shape manifest %q: variable %q has negative dimension", path, name)
			}
		}
	}
	return shapes, nil
}

func chainFileName(chain int) string {
	return fmt.Sprintf("chain-%d.csv", chain)
}

func (t *TextTrace) Setup(draws, chain int) error {
	if t.isSetup {
		return fmt.Errorf("%w: text backend cannot be re-set up", ErrAlreadySetup)
	}
	if draws < 0 {
		return fmt.Errorf("draws must be non-negative (got %d)", draws)
	}
	if chain < 0 {
		return fmt.Errorf("chain id must be non-negative (got %d)", chain)
	}

	path := filepath.Join(t.Dir, chainFileName(chain))
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: chain %d already present in %q", ErrAlreadySetup, chain, t.Dir)
		}
		return fmt.Errorf("create chain file %q: %w", path, err)
	}

	t.file = file
	t.buf = bufio.NewWriter(file)
	if _, err := t.buf.WriteString(strings.Join(t.header(), ",") + "\n"); err != nil {
		return fmt.Errorf("write chain file header: %w", err)
	}

	t.chain = chain
	t.draws = draws
	t.isSetup = true
	return nil
}

func (t *TextTrace) header() []string {
	var cols []string
	for _, name := range t.names {
		stride := t.strides[name]
		if stride == 1 && len(t.shapes[name]) == 0 {
			cols = append(cols, name)
			continue
		}
		for i := 0; i < stride; i++ {
			cols = append(cols, fmt.Sprintf("%s__%d", name, i))
		}
	}
	return cols
}

func (t *TextTrace) Record(point Point) error {
	if err := t.record(point); err != nil {
		t.metrics.recordError(err)
		return err
	}
	t.metrics.record(t.chain)
	return nil
}

func (t *TextTrace) record(point Point) error {
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

	fields := make([]string, 0, len(t.names))
	for _, name := range t.names {
		for _, v := range point[name].Data() {
			fields = append(fields, strconv.FormatFloat(v, 'g', -1, 64))
		}
	}
	if _, err := t.buf.WriteString(strings.Join(fields, ",") + "\n"); err != nil {
		return fmt.Errorf("write chain %d draw %d: %w", t.chain, t.recorded, err)
	}
	t.recorded++
	return nil
}

// Close flushes and closes the chain file. Rows already written stay as
// they are; fewer rows than requested is the clean-interrupt state.
func (t *TextTrace) Close() error {
	if !t.isSetup {
		return fmt.Errorf("%w: Close before Setup", ErrNotSetup)
	}
	if t.closed {
		return nil
	}

	if err := t.buf.Flush(); err != nil {
		return fmt.Errorf("flush chain %d file: %w", t.chain, err)
	}
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("close chain %d file: %w", t.chain, err)
	}
	t.file = nil
	t.buf = nil
	t.draws = t.recorded
	t.closed = true
	return nil
}

func (t *TextTrace) Chain() int { return t.chain }

func (t *TextTrace) Len() int { return t.recorded }

func (t *TextTrace) Varnames() []string {
	return append([]string(nil), t.names...)
}

func (t *TextTrace) VarShapes() map[string][]int {
	return copyShapes(t.shapes)
}

func (t *TextTrace) Get(varname string) (*ndarray.Array, error) {
	shape, ok := t.shapes[varname]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariable, varname)
	}
	rows, err := t.readRows()
	if err != nil {
		return nil, err
	}

	offset := 0
	for _, name := range t.names {
		if name == varname {
			break
		}
		offset += t.strides[name]
	}
	stride := t.strides[varname]

	data := make([]float64, 0, len(rows)*stride)
	for _, row := range rows {
		data = append(data, row[offset:offset+stride]...)
	}
	return ndarray.FromData(data, stackedShape(len(rows), shape)...)
}

func (t *TextTrace) Point(idx int) (Point, error) {
	if idx < 0 {
		idx += t.recorded
	}
	if idx < 0 || idx >= t.recorded {
		return nil, fmt.Errorf("draw index %d out of range for %d recorded draws", idx, t.recorded)
	}
	rows, err := t.readRows()
	if err != nil {
		return nil, err
	}

	point := make(Point, len(t.names))
	offset := 0
	for _, name := range t.names {
		stride := t.strides[name]
		values := append([]float64(nil), rows[idx][offset:offset+stride]...)
		arr, err := ndarray.FromData(values, t.shapes[name]...)
		if err != nil {
			return nil, err
		}
		point[name] = arr
		offset += stride
	}
	return point, nil
}

// readRows parses the chain file into one flat float64 row per draw,
// flushing buffered writes first so a live trace reads its own draws.
func (t *TextTrace) readRows() ([][]float64, error) {
	if t.isSetup && !t.closed && t.buf != nil {
		if err := t.buf.Flush(); err != nil {
			return nil, fmt.Errorf("flush chain %d file: %w", t.chain, err)
		}
	}

	path := filepath.Join(t.Dir, chainFileName(t.chain))
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chain file %q: %w", path, err)
	}
	defer file.Close()

	width := 0
	for _, name := range t.names {
		width += t.strides[name]
	}

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = width

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read chain file %q: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("chain file %q is missing its header", path)
	}
	records = records[1:]

	rows := make([][]float64, len(records))
	for i, record := range records {
		row := make([]float64, width)
		for j, field := range record {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("chain file %q row %d column %d: %w", path, i, j, err)
			}
			row[j] = v
		}
		rows[i] = row
	}
	if len(rows) != t.recorded {
		return nil, fmt.Errorf("chain file %q holds %d draws, want %d", path, len(rows), t.recorded)
	}
	return rows, nil
}

// DumpText persists an aggregator as a directory of chain CSV files plus a
// shape manifest. An existing destination is replaced; a failed dump
// removes whatever was partially written.
func DumpText(ctx context.Context, m *MultiTrace, dir string) (err error) {
	if err := RemoveDestination(dir); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = RemoveDestination(dir)
		}
	}()

	shapes := m.VarShapes()
	for _, chain := range m.Chains() {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := m.traces[chain]
		dst, err := NewTextTrace(dir, shapes)
		if err != nil {
			return err
		}
		if err := dst.Setup(src.Len(), chain); err != nil {
			return err
		}
		for idx := 0; idx < src.Len(); idx++ {
			point, err := src.Point(idx)
			if err != nil {
				return err
			}
			if err := dst.Record(point); err != nil {
				return err
			}
		}
		if err := dst.Close(); err != nil {
			return err
		}
	}
	return nil
}

// LoadText reconstructs an aggregator from a directory written by DumpText
// or recorded directly by TextTrace chains. Any missing, malformed or
// inconsistent state fails with ErrLoad.
func LoadText(ctx context.Context, dir string) (*MultiTrace, error) {
	shapes, err := readManifest(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	if len(shapes) == 0 {
		return nil, fmt.Errorf("%w: %q manifest holds no variables", ErrLoad, dir)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "chain-*.csv"))
	if err != nil {
		return nil, fmt.Errorf("%w: scan %q: %v", ErrLoad, dir, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %q holds no chain files", ErrLoad, dir)
	}
	sort.Strings(matches)

	traces := make([]ChainTrace, 0, len(matches))
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		base := filepath.Base(path)
		idText := strings.TrimSuffix(strings.TrimPrefix(base, "chain-"), ".csv")
		chain, err := strconv.Atoi(idText)
		if err != nil || chain < 0 {
			return nil, fmt.Errorf("%w: unexpected chain file name %q", ErrLoad, base)
		}

		t := &TextTrace{
			Dir:     dir,
			shapes:  copyShapes(shapes),
			names:   sortedNames(shapes),
			strides: make(map[string]int, len(shapes)),
			chain:   chain,
			isSetup: true,
			closed:  true,
		}
		for name, shape := range t.shapes {
			t.strides[name] = strideOf(shape)
		}

		// Counting the rows both fixes the recorded length and validates
		// the file so load fails here, not on a later read.
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: open %q: %v", ErrLoad, path, err)
		}
		width := 0
		for _, name := range t.names {
			width += t.strides[name]
		}
		reader := csv.NewReader(file)
		reader.FieldsPerRecord = width
		records, err := reader.ReadAll()
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read %q: %v", ErrLoad, path, err)
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("%w: %q is missing its header", ErrLoad, path)
		}
		t.recorded = len(records) - 1
		t.draws = t.recorded
		traces = append(traces, t)
	}

	m, err := NewMultiTrace(traces...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	return m, nil
}
