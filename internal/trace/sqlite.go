package trace

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samplekit/mctrace/internal/ndarray"
	"github.com/samplekit/mctrace/migrations"

	_ "modernc.org/sqlite"
)

const sqliteFlushBatch = 64

// SQLiteTrace stores one chain's draws in an on-disk sqlite database. Draws
// are buffered and flushed in batched transactions. Several chains may share
// one database file, each recorded by its own trace instance; sqlite's WAL
// mode plus busy retry covers the cross-process case.
type SQLiteTrace struct {
	Path string

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
	// SQLite allows only one writer at a time; serialize this trace's
	// flushes so Get during sampling cannot interleave with a flush.
	writeMu sync.Mutex

	metrics *RecorderMetrics
}

type pendingDraw struct {
	draw   int
	values map[string][]byte
}

var _ ChainTrace = (*SQLiteTrace)(nil)

// NewSQLiteTrace opens (creating if needed) the database at path and
// registers the shape registry in it. Registering shapes that disagree with
// ones already stored fails with ErrChainMismatch.
func NewSQLiteTrace(path string, shapes map[string][]int) (*SQLiteTrace, error) {
	db, err := openSQLite(path, true)
	if err != nil {
		return nil, err
	}

	t := &SQLiteTrace{
		Path:    path,
		db:      db,
		shapes:  copyShapes(shapes),
		names:   sortedNames(shapes),
		strides: make(map[string]int, len(shapes)),
	}
	for name, shape := range t.shapes {
		t.strides[name] = strideOf(shape)
	}

	if err := registerVariables(context.Background(), db, t.shapes); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

// SetMetrics installs optional pipeline callbacks. Call before Setup.
func (t *SQLiteTrace) SetMetrics(m *RecorderMetrics) {
	t.metrics = m
}

func (t *SQLiteTrace) Setup(draws, chain int) error {
	if t.isSetup {
		return fmt.Errorf("%w: sqlite backend cannot be re-set up", ErrAlreadySetup)
	}
	if draws < 0 {
		return fmt.Errorf("draws must be non-negative (got %d)", draws)
	}
	if chain < 0 {
		return fmt.Errorf("chain id must be non-negative (got %d)", chain)
	}

	ctx := context.Background()
	var count int
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chains WHERE chain = ?`, chain).Scan(&count); err != nil {
		return fmt.Errorf("check chain %d registration: %w", chain, err)
	}
	if count > 0 {
		return fmt.Errorf("%w: chain %d already present in %q", ErrAlreadySetup, chain, t.Path)
	}

	err := retrySQLiteBusy(ctx, func() error {
		_, err := t.db.ExecContext(ctx,
			`INSERT INTO chains (chain, draws_requested, draws_recorded, closed) VALUES (?, ?, 0, 0)`,
			chain, draws)
		return err
	})
	if err != nil {
		return fmt.Errorf("register chain %d: %w", chain, err)
	}

	t.chain = chain
	t.draws = draws
	t.pending = make([]pendingDraw, 0, sqliteFlushBatch)
	t.isSetup = true
	return nil
}

func (t *SQLiteTrace) Record(point Point) error {
	if err := t.record(point); err != nil {
		t.metrics.recordError(err)
		return err
	}
	t.metrics.record(t.chain)
	return nil
}

func (t *SQLiteTrace) record(point Point) error {
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

// flush writes all pending draws in one transaction and advances the
// durable draws_recorded counter.
func (t *SQLiteTrace) flush(ctx context.Context) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if len(t.pending) == 0 {
		return nil
	}
	batch := t.pending
	started := time.Now()

	err := retrySQLiteBusy(ctx, func() error {
		tx, err := t.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite flush transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO draws (chain, draw, varname, value) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare sqlite draw insert: %w", err)
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
			`UPDATE chains SET draws_recorded = ? WHERE chain = ?`,
			t.flushed+len(batch), t.chain); err != nil {
			return fmt.Errorf("advance chain %d draw count: %w", t.chain, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite flush transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		t.metrics.recordError(err)
		return err
	}

	t.flushed += len(batch)
	t.pending = t.pending[:0]
	t.metrics.flush(t.chain, len(batch), time.Since(started))
	return nil
}

// Close flushes remaining draws and finalizes the chain at the recorded
// length. The database handle stays open for reads; Release frees it.
func (t *SQLiteTrace) Close() error {
	if !t.isSetup {
		return fmt.Errorf("%w: Close before Setup", ErrNotSetup)
	}
	if t.closed {
		return nil
	}

	ctx := context.Background()
	if err := t.flush(ctx); err != nil {
		return err
	}
	err := retrySQLiteBusy(ctx, func() error {
		_, err := t.db.ExecContext(ctx,
			`UPDATE chains SET draws_recorded = ?, closed = 1 WHERE chain = ?`,
			t.recorded, t.chain)
		return err
	})
	if err != nil {
		return fmt.Errorf("finalize chain %d: %w", t.chain, err)
	}

	t.draws = t.recorded
	t.closed = true
	return nil
}

// Release closes the underlying database handle. A released trace can no
// longer be read.
func (t *SQLiteTrace) Release() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

func (t *SQLiteTrace) Chain() int { return t.chain }

func (t *SQLiteTrace) Len() int { return t.recorded }

func (t *SQLiteTrace) Varnames() []string {
	return append([]string(nil), t.names...)
}

func (t *SQLiteTrace) VarShapes() map[string][]int {
	return copyShapes(t.shapes)
}

func (t *SQLiteTrace) Get(varname string) (*ndarray.Array, error) {
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
		`SELECT value FROM draws WHERE chain = ? AND varname = ? ORDER BY draw ASC`,
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

func (t *SQLiteTrace) Point(idx int) (Point, error) {
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
			`SELECT value FROM draws WHERE chain = ? AND draw = ? AND varname = ?`,
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

func openSQLite(path string, create bool) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("stat sqlite database %q: %w", path, err)
		}
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA synchronous = NORMAL;`,
		`PRAGMA busy_timeout = 5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite database %q: %w", path, err)
		}
	}

	if create {
		if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ensure sqlite schema: %w", err)
		}
	}
	return db, nil
}

// registerVariables upserts the shape registry and rejects shapes that
// disagree with ones already stored in the database.
func registerVariables(ctx context.Context, db *sql.DB, shapes map[string][]int) error {
	for _, name := range sortedNames(shapes) {
		encoded, err := encodeShape(shapes[name])
		if err != nil {
			return err
		}

		var existing string
		scanErr := db.QueryRowContext(ctx, `SELECT shape FROM variables WHERE name = ?`, name).Scan(&existing)
		switch {
		case scanErr == sql.ErrNoRows:
			err := retrySQLiteBusy(ctx, func() error {
				_, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO variables (name, shape) VALUES (?, ?)`, name, encoded)
				return err
			})
			if err != nil {
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

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so concurrent chain
// writers sharing a database file do not drop draws.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}
