package trace

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/samplekit/mctrace/internal/ndarray"
	"github.com/samplekit/mctrace/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresTrace stores one chain's draws in a postgres database, mirroring
// the sqlite backend's schema and batching behavior. All chains of a run
// share the database named by the DSN.
type PostgresTrace struct {
	DSN string

	db      *sql.DB
	shapes  map[string][]int
	names   []string
	strides map[string]int

	chain    int
	draws    int
	recorded int
	flushed  int
	isSetup  bool
	closed   bool

	pending []pendingDraw

	metrics *RecorderMetrics
}

var _ ChainTrace = (*PostgresTrace)(nil)

// NewPostgresTrace connects to the database and registers the shape
// registry in it.
func NewPostgresTrace(dsn string, shapes map[string][]int) (*PostgresTrace, error) {
	db, err := openPostgres(dsn)
	if err != nil {
		return nil, err
	}

	t := &PostgresTrace{
		DSN:     dsn,
		db:      db,
		shapes:  copyShapes(shapes),
		names:   sortedNames(shapes),
		strides: make(map[string]int, len(shapes)),
	}
	for name, shape := range t.shapes {
		t.strides[name] = strideOf(shape)
	}

	if err := registerVariablesPostgres(context.Background(), db, t.shapes); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

// SetMetrics installs optional pipeline callbacks. Call before Setup.
func (t *PostgresTrace) SetMetrics(m *RecorderMetrics) {
	t.metrics = m
}

func (t *PostgresTrace) Setup(draws, chain int) error {
	if t.isSetup {
		return fmt.Errorf("%w: postgres backend cannot be re-set up", ErrAlreadySetup)
	}
	if draws < 0 {
		return fmt.Errorf("draws must be non-negative (got %d)", draws)
	}
	if chain < 0 {
		return fmt.Errorf("chain id must be non-negative (got %d)", chain)
	}

	ctx := context.Background()
	var count int
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chains WHERE chain = $1`, chain).Scan(&count); err != nil {
		return fmt.Errorf("check chain %d registration: %w", chain, err)
	}
	if count > 0 {
		return fmt.Errorf("%w: chain %d already present", ErrAlreadySetup, chain)
	}

	if _, err := t.db.ExecContext(ctx,
		`INSERT INTO chains (chain, draws_requested, draws_recorded, closed) VALUES ($1, $2, 0, FALSE)`,
		chain, draws); err != nil {
		return fmt.Errorf("register chain %d: %w", chain, err)
	}

	t.chain = chain
	t.draws = draws
	t.pending = make([]pendingDraw, 0, sqliteFlushBatch)
	t.isSetup = true
	return nil
}

func (t *PostgresTrace) Record(point Point) error {
	if err := t.record(point); err != nil {
		t.metrics.recordError(err)
		return err
	}
	t.metrics.record(t.chain)
	return nil
}

func (t *PostgresTrace) record(point Point) error {
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

	values := make(map[string][]byte, len(point))
	for name, value := range point {
		values[name] = encodeValues(value.Data())
	}
	t.pending = append(t.pending, pendingDraw{draw: t.recorded, values: values})
	t.recorded++

	if len(t.pending) >= sqliteFlushBatch {
		return t.flush(context.Background())
	}
	return nil
}

func (t *PostgresTrace) flush(ctx context.Context) error {
	if len(t.pending) == 0 {
		return nil
	}
	batch := t.pending
	started := time.Now()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres flush transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO draws (chain, draw, varname, value) VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return fmt.Errorf("prepare postgres draw insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range batch {
		for _, name := range t.names {
			if _, err := stmt.ExecContext(ctx, t.chain, d.draw, name, d.values[name]); err != nil {
				return fmt.Errorf("write chain %d draw %d: %w", t.chain, d.draw, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chains SET draws_recorded = $1 WHERE chain = $2`,
		t.flushed+len(batch), t.chain); err != nil {
		return fmt.Errorf("advance chain %d draw count: %w", t.chain, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres flush transaction: %w", err)
	}

	t.flushed += len(batch)
	t.pending = t.pending[:0]
	t.metrics.flush(t.chain, len(batch), time.Since(started))
	return nil
}

// Close flushes remaining draws and finalizes the chain at the recorded
// length. Release frees the connection.
func (t *PostgresTrace) Close() error {
	if !t.isSetup {
		return fmt.Errorf("%w: Close before Setup", ErrNotSetup)
	}
	if t.closed {
		return nil
	}

	ctx := context.Background()
	if err := t.flush(ctx); err != nil {
		t.metrics.recordError(err)
		return err
	}
	if _, err := t.db.ExecContext(ctx,
		`UPDATE chains SET draws_recorded = $1, closed = TRUE WHERE chain = $2`,
		t.recorded, t.chain); err != nil {
		return fmt.Errorf("finalize chain %d: %w", t.chain, err)
	}

	t.draws = t.recorded
	t.closed = true
	return nil
}

// Release closes the underlying database connection.
func (t *PostgresTrace) Release() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

func (t *PostgresTrace) Chain() int { return t.chain }

func (t *PostgresTrace) Len() int { return t.recorded }

func (t *PostgresTrace) Varnames() []string {
	return append([]string(nil), t.names...)
}

func (t *PostgresTrace) VarShapes() map[string][]int {
	return copyShapes(t.shapes)
}

func (t *PostgresTrace) Get(varname string) (*ndarray.Array, error) {
	shape, ok := t.shapes[varname]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariable, varname)
	}
	ctx := context.Background()
	if t.isSetup && !t.closed {
		if err := t.flush(ctx); err != nil {
			return nil, err
		}
	}

	stride := t.strides[varname]
	rows, err := t.db.QueryContext(ctx,
		`SELECT value FROM draws WHERE chain = $1 AND varname = $2 ORDER BY draw ASC`,
		t.chain, varname)
	if err != nil {
		return nil, fmt.Errorf("query chain %d values for %q: %w", t.chain, varname, err)
	}
	defer rows.Close()

	data := make([]float64, 0, t.recorded*stride)
	count := 0
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan chain %d draw for %q: %w", t.chain, varname, err)
		}
		values, err := decodeValues(raw, stride)
		if err != nil {
			return nil, fmt.Errorf("chain %d draw %d for %q: %w", t.chain, count, varname, err)
		}
		data = append(data, values...)
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain %d draws for %q: %w", t.chain, varname, err)
	}
	if count != t.recorded {
		return nil, fmt.Errorf("chain %d holds %d draws for %q, want %d", t.chain, count, varname, t.recorded)
	}

	return ndarray.FromData(data, stackedShape(t.recorded, shape)...)
}

func (t *PostgresTrace) Point(idx int) (Point, error) {
	if idx < 0 {
		idx += t.recorded
	}
	if idx < 0 || idx >= t.recorded {
		return nil, fmt.Errorf("draw index %d out of range for %d recorded draws", idx, t.recorded)
	}
	ctx := context.Background()
	if t.isSetup && !t.closed {
		if err := t.flush(ctx); err != nil {
			return nil, err
		}
	}

	point := make(Point, len(t.names))
	for _, name := range t.names {
		var raw []byte
		err := t.db.QueryRowContext(ctx,
			`SELECT value FROM draws WHERE chain = $1 AND draw = $2 AND varname = $3`,
			t.chain, idx, name).Scan(&raw)
		if err != nil {
			return nil, fmt.Errorf("read chain %d draw %d for %q: %w", t.chain, idx, name, err)
		}
		values, err := decodeValues(raw, t.strides[name])
		if err != nil {
			return nil, fmt.Errorf("chain %d draw %d for %q: %w", t.chain, idx, name, err)
		}
		arr, err := ndarray.FromData(values, t.shapes[name]...)
		if err != nil {
			return nil, err
		}
		point[name] = arr
	}
	return point, nil
}

func openPostgres(dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return db, nil
}

func registerVariablesPostgres(ctx context.Context, db *sql.DB, shapes map[string][]int) error {
	for _, name := range sortedNames(shapes) {
		encoded, err := encodeShape(shapes[name])
		if err != nil {
			return err
		}

		var existing string
		scanErr := db.QueryRowContext(ctx, `SELECT shape FROM variables WHERE name = $1`, name).Scan(&existing)
		switch {
		case scanErr == sql.ErrNoRows:
			if _, err := db.ExecContext(ctx,
				`INSERT INTO variables (name, shape) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
				name, encoded); err != nil {
				return fmt.Errorf("register variable %q: %w", name, err)
			}
		case scanErr != nil:
			return fmt.Errorf("check variable %q registration: %w", name, scanErr)
		case existing != encoded:
			return fmt.Errorf("%w: variable %q registered with shape %s, want %s", ErrChainMismatch, name, existing, encoded)
		}
	}
	return nil
}

// LoadPostgres reconstructs an aggregator from a database recorded by
// PostgresTrace chains. Each loaded chain holds its own connection;
// release them with Release when done.
func LoadPostgres(ctx context.Context, dsn string) (*MultiTrace, error) {
	db, err := openPostgres(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	defer db.Close()

	shapes := make(map[string][]int)
	rows, err := db.QueryContext(ctx, `SELECT name, shape FROM variables ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: read variables: %v", ErrLoad, err)
	}
	for rows.Next() {
		var name, encoded string
		if err := rows.Scan(&name, &encoded); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan variable row: %v", ErrLoad, err)
		}
		shape, err := decodeShape(encoded)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: %v", ErrLoad, err)
		}
		shapes[name] = shape
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("%w: iterate variables: %v", ErrLoad, err)
	}
	rows.Close()
	if len(shapes) == 0 {
		return nil, fmt.Errorf("%w: database holds no variables", ErrLoad)
	}

	type chainRow struct {
		chain, recorded int
	}
	var chainRows []chainRow
	rows, err = db.QueryContext(ctx, `SELECT chain, draws_recorded FROM chains ORDER BY chain ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: read chains: %v", ErrLoad, err)
	}
	for rows.Next() {
		var cr chainRow
		if err := rows.Scan(&cr.chain, &cr.recorded); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan chain row: %v", ErrLoad, err)
		}
		chainRows = append(chainRows, cr)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("%w: iterate chains: %v", ErrLoad, err)
	}
	rows.Close()
	if len(chainRows) == 0 {
		return nil, fmt.Errorf("%w: database holds no chains", ErrLoad)
	}

	names := sortedNames(shapes)
	traces := make([]ChainTrace, 0, len(chainRows))
	release := func() {
		for _, t := range traces {
			if pt, ok := t.(*PostgresTrace); ok {
				_ = pt.Release()
			}
		}
	}
	for _, cr := range chainRows {
		chainDB, err := openPostgres(dsn)
		if err != nil {
			release()
			return nil, fmt.Errorf("%w: %v", ErrLoad, err)
		}
		t := &PostgresTrace{
			DSN:      dsn,
			db:       chainDB,
			shapes:   copyShapes(shapes),
			names:    append([]string(nil), names...),
			strides:  make(map[string]int, len(shapes)),
			chain:    cr.chain,
			draws:    cr.recorded,
			recorded: cr.recorded,
			flushed:  cr.recorded,
			isSetup:  true,
			closed:   true,
		}
		for name, shape := range t.shapes {
			t.strides[name] = strideOf(shape)
		}
		traces = append(traces, t)
	}

	m, err := NewMultiTrace(traces...)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	return m, nil
}
