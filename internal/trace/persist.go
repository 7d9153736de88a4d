package trace

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// RemoveDestination deletes a dump destination, file or directory, along
// with sqlite WAL sidecars. It is idempotent: an absent destination is not
// an error.
func RemoveDestination(path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove destination %q: %w", path, err)
	}
	for _, sidecar := range []string{path + "-wal", path + "-shm"} {
		if err := os.Remove(sidecar); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove destination sidecar %q: %w", sidecar, err)
		}
	}
	return nil
}

// DumpSQLite persists an aggregator to a fresh sqlite database at path.
// An existing destination is replaced; a failed dump removes whatever was
// partially written.
func DumpSQLite(ctx context.Context, m *MultiTrace, path string) (err error) {
	if err := RemoveDestination(path); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = RemoveDestination(path)
		}
	}()

	db, err := openSQLite(path, true)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close dumped database %q: %w", path, closeErr)
		}
	}()

	if err = registerVariables(ctx, db, m.VarShapes()); err != nil {
		return err
	}

	names := m.Varnames()
	for _, chain := range m.Chains() {
		t := m.traces[chain]
		n := t.Len()

		if _, err = db.ExecContext(ctx,
			`INSERT INTO chains (chain, draws_requested, draws_recorded, closed) VALUES (?, ?, ?, 1)`,
			chain, n, n); err != nil {
			return fmt.Errorf("dump chain %d: %w", chain, err)
		}

		tx, txErr := db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin dump transaction for chain %d: %w", chain, txErr)
		}
		stmt, prepErr := tx.PrepareContext(ctx,
			`INSERT INTO draws (chain, draw, varname, value) VALUES (?, ?, ?, ?)`)
		if prepErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("prepare dump insert for chain %d: %w", chain, prepErr)
		}

		for _, name := range names {
			stacked, getErr := t.Get(name)
			if getErr != nil {
				_ = stmt.Close()
				_ = tx.Rollback()
				return getErr
			}
			stride := stacked.Stride()
			data := stacked.Data()
			for draw := 0; draw < n; draw++ {
				raw := encodeValues(data[draw*stride : (draw+1)*stride])
				if _, execErr := stmt.ExecContext(ctx, chain, draw, name, raw); execErr != nil {
					_ = stmt.Close()
					_ = tx.Rollback()
					return fmt.Errorf("dump chain %d draw %d: %w", chain, draw, execErr)
				}
			}
		}

		if closeErr := stmt.Close(); closeErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("close dump insert for chain %d: %w", chain, closeErr)
		}
		if err = tx.Commit(); err != nil {
			return fmt.Errorf("commit dump for chain %d: %w", chain, err)
		}
	}
	return nil
}

// LoadSQLite reconstructs an aggregator from a database written by
// DumpSQLite or recorded directly by SQLiteTrace chains. Each loaded chain
// holds its own read handle; release them via ReleaseSQLite when done.
// Any missing, malformed or incomplete state fails with ErrLoad.
func LoadSQLite(ctx context.Context, path string) (*MultiTrace, error) {
	db, err := openSQLite(path, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	defer db.Close()

	for _, table := range []string{"chains", "variables", "draws"} {
		var count int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count); err != nil || count == 0 {
			return nil, fmt.Errorf("%w: %q is missing table %s", ErrLoad, path, table)
		}
	}

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
		return nil, fmt.Errorf("%w: %q holds no variables", ErrLoad, path)
	}

	type chainRow struct {
		chain, requested, recorded int
	}
	var chainRows []chainRow
	rows, err = db.QueryContext(ctx, `SELECT chain, draws_requested, draws_recorded FROM chains ORDER BY chain ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: read chains: %v", ErrLoad, err)
	}
	for rows.Next() {
		var cr chainRow
		if err := rows.Scan(&cr.chain, &cr.requested, &cr.recorded); err != nil {
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
		return nil, fmt.Errorf("%w: %q holds no chains", ErrLoad, path)
	}

	names := sortedNames(shapes)
	traces := make([]ChainTrace, 0, len(chainRows))
	release := func() {
		for _, t := range traces {
			if st, ok := t.(*SQLiteTrace); ok {
				_ = st.Release()
			}
		}
	}
	for _, cr := range chainRows {
		var count int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(DISTINCT draw) FROM draws WHERE chain = ?`, cr.chain).Scan(&count); err != nil {
			release()
			return nil, fmt.Errorf("%w: count chain %d draws: %v", ErrLoad, cr.chain, err)
		}
		if count != cr.recorded {
			release()
			return nil, fmt.Errorf("%w: chain %d holds %d draws, recorded count says %d", ErrLoad, cr.chain, count, cr.recorded)
		}

		chainDB, err := openSQLite(path, false)
		if err != nil {
			release()
			return nil, fmt.Errorf("%w: %v", ErrLoad, err)
		}
		t := &SQLiteTrace{
			Path:     path,
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

// ReleaseSQLite closes the read handles of an aggregator loaded by
// LoadSQLite. Chains from other backends are left untouched.
func ReleaseSQLite(m *MultiTrace) error {
	if m == nil {
		return nil
	}
	var firstErr error
	for _, chain := range m.Chains() {
		if st, ok := m.traces[chain].(*SQLiteTrace); ok {
			if err := st.Release(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
