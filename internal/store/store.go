// Package store persists consumer unit records in a SQLite database with an
// R*Tree spatial index, so datasets far larger than memory can be loaded once
// and queried by bounding box many times.
//
// Each record is a point location plus the attributes the aggregation engine
// consumes (total energy and installed demand). Point coordinates are stored
// in the canonical coordinate system of the store, recorded in the meta table
// as an EPSG code on first load.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// dsn enables WAL so loading and querying can interleave, and a busy
// timeout so concurrent appenders back off instead of failing.
const dsn = "file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"

const epsgKey = "epsg"

// columns maps the attribute names callers aggregate on to the underlying
// table columns. Anything else is rejected before it reaches SQL.
var columns = map[string]string{
	"ENE_TOT": "ene_tot",
	"DEM":     "dem",
}

// ColumnNames returns the attribute names records carry, for error messages.
func ColumnNames() []string { return []string{"DEM", "ENE_TOT"} }

// Column resolves an attribute name to its storage column.
func Column(name string) (string, bool) {
	col, ok := columns[name]
	return col, ok
}

// Rect is an axis-aligned bounding box in store coordinates.
type Rect struct {
	MinX, MaxX float64
	MinY, MaxY float64
}

// Store is a disk-backed collection of consumer unit point records.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the store at path. With fresh set, any existing
// database at that path is removed first.
func Open(path string, fresh bool) (*Store, error) {
	if fresh {
		for _, p := range []string{path, path + "-wal", path + "-shm"} {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("remove %s: %w", p, err)
			}
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf(dsn, path))
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// Single writer keeps the R*Tree and base table in step.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// EPSG returns the canonical coordinate system of the store, or 0 if no
// dataset has been loaded yet.
func (s *Store) EPSG(ctx context.Context) (int, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, epsgKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read epsg: %w", err)
	}
	code, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse epsg %q: %w", v, err)
	}
	return code, nil
}

// SetEPSG records the canonical coordinate system. It is set once on first
// load; later loads must match or be reprojected by the caller.
func (s *Store) SetEPSG(ctx context.Context, code int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		epsgKey, strconv.Itoa(code))
	if err != nil {
		return fmt.Errorf("set epsg: %w", err)
	}
	return nil
}

// HasDataset reports whether a dataset with this name was already loaded.
func (s *Store) HasDataset(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM datasets WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check dataset %s: %w", name, err)
	}
	return n > 0, nil
}

// Datasets returns the names of loaded datasets in load order.
func (s *Store) Datasets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM datasets ORDER BY loaded_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Count returns the number of records across all datasets.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM consumer_units`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Extent returns the bounding box of all records. ok is false when the
// store is empty.
func (s *Store) Extent(ctx context.Context) (r Rect, ok bool, err error) {
	var minX, maxX, minY, maxY sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(x), MAX(x), MIN(y), MAX(y) FROM consumer_units`).
		Scan(&minX, &maxX, &minY, &maxY)
	if err != nil {
		return Rect{}, false, fmt.Errorf("extent: %w", err)
	}
	if !minX.Valid {
		return Rect{}, false, nil
	}
	return Rect{
		MinX: minX.Float64, MaxX: maxX.Float64,
		MinY: minY.Float64, MaxY: maxY.Float64,
	}, true, nil
}

// CellAggregate returns the sum of the named attribute and the record count
// inside r. Cell membership is half-open on the high edges unless closedX or
// closedY include them, so adjacent cells never count a record twice.
//
// The R*Tree stores coordinates as 32-bit floats rounded outward, so it only
// prunes candidates; membership is decided against the exact float64
// coordinates in consumer_units. A record's rtree box always overlaps any
// rect containing its true location, so the prefilter never drops a match.
func (s *Store) CellAggregate(ctx context.Context, r Rect, closedX, closedY bool, column string) (sum float64, count int64, err error) {
	col, ok := Column(column)
	if !ok {
		return 0, 0, fmt.Errorf("unknown column %q", column)
	}

	xCmp, yCmp := "<", "<"
	if closedX {
		xCmp = "<="
	}
	if closedY {
		yCmp = "<="
	}

	q := fmt.Sprintf(
		`SELECT COALESCE(SUM(u.%s), 0), COUNT(*)
		 FROM consumer_rtree t
		 JOIN consumer_units u ON u.id = t.id
		 WHERE t.maxx >= ? AND t.minx <= ?
		   AND t.maxy >= ? AND t.miny <= ?
		   AND u.x >= ? AND u.x %s ?
		   AND u.y >= ? AND u.y %s ?`, col, xCmp, yCmp)

	err = s.db.QueryRowContext(ctx, q,
		r.MinX, r.MaxX, r.MinY, r.MaxY,
		r.MinX, r.MaxX, r.MinY, r.MaxY).
		Scan(&sum, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("aggregate cell: %w", err)
	}
	return sum, count, nil
}

// ScanRecords streams every record's location and the named attribute to fn
// in insertion order. fn returning an error stops the scan.
func (s *Store) ScanRecords(ctx context.Context, column string, fn func(x, y, v float64) error) error {
	col, ok := Column(column)
	if !ok {
		return fmt.Errorf("unknown column %q", column)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT x, y, %s FROM consumer_units ORDER BY id`, col))
	if err != nil {
		return fmt.Errorf("scan records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var x, y, v float64
		if err := rows.Scan(&x, &y, &v); err != nil {
			return err
		}
		if err := fn(x, y, v); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Stager accumulates one dataset's spatial points and consumer rows in
// temporary tables, then joins them into the store in a single transaction.
// Abandoning a Stager without calling Merge rolls everything back.
type Stager struct {
	tx       *sql.Tx
	dataset  string
	point    *sql.Stmt
	consumer *sql.Stmt
	done     bool
}

// NewStager begins staging records for the named dataset.
func (s *Store) NewStager(ctx context.Context, dataset string) (*Stager, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin load: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		CREATE TEMP TABLE stage_points (
			code TEXT PRIMARY KEY,
			x    REAL NOT NULL,
			y    REAL NOT NULL
		);
		CREATE TEMP TABLE stage_consumers (
			code    TEXT NOT NULL,
			ene_tot REAL NOT NULL,
			dem     REAL NOT NULL
		);`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("create staging tables: %w", err)
	}

	point, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO stage_points (code, x, y) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	consumer, err := tx.PrepareContext(ctx,
		`INSERT INTO stage_consumers (code, ene_tot, dem) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	return &Stager{tx: tx, dataset: dataset, point: point, consumer: consumer}, nil
}

// AddPoint stages a point location keyed by its spatial code. A repeated
// code is ignored; duplicate is true when that happened.
func (st *Stager) AddPoint(ctx context.Context, code string, x, y float64) (duplicate bool, err error) {
	res, err := st.point.ExecContext(ctx, code, x, y)
	if err != nil {
		return false, fmt.Errorf("stage point %s: %w", code, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// AddConsumer stages one consumer row keyed by the spatial code it connects
// to. Several consumers may share a point.
func (st *Stager) AddConsumer(ctx context.Context, code string, eneTot, dem float64) error {
	if _, err := st.consumer.ExecContext(ctx, code, eneTot, dem); err != nil {
		return fmt.Errorf("stage consumer %s: %w", code, err)
	}
	return nil
}

// Merge joins staged consumers to their points, writes the matches into the
// store with spatial index entries, records the dataset, and commits.
// Consumers whose code has no staged point are dropped and counted in
// orphaned.
func (st *Stager) Merge(ctx context.Context) (added, orphaned int64, err error) {
	if st.done {
		return 0, 0, errors.New("stager already finished")
	}
	st.done = true
	defer st.tx.Rollback()

	_, err = st.tx.ExecContext(ctx,
		`CREATE INDEX stage_consumers_code ON stage_consumers (code)`)
	if err != nil {
		return 0, 0, fmt.Errorf("index staged consumers: %w", err)
	}

	res, err := st.tx.ExecContext(ctx, `
		INSERT INTO consumer_units (dataset, code, x, y, ene_tot, dem)
		SELECT ?, c.code, p.x, p.y, c.ene_tot, c.dem
		FROM stage_consumers c
		JOIN stage_points p ON p.code = c.code`, st.dataset)
	if err != nil {
		return 0, 0, fmt.Errorf("merge dataset %s: %w", st.dataset, err)
	}
	added, err = res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	err = st.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stage_consumers c
		WHERE NOT EXISTS (SELECT 1 FROM stage_points p WHERE p.code = c.code)`).
		Scan(&orphaned)
	if err != nil {
		return 0, 0, fmt.Errorf("count orphans: %w", err)
	}

	_, err = st.tx.ExecContext(ctx, `
		INSERT INTO consumer_rtree (id, minx, maxx, miny, maxy)
		SELECT id, x, x, y, y FROM consumer_units WHERE dataset = ?`,
		st.dataset)
	if err != nil {
		return 0, 0, fmt.Errorf("index dataset %s: %w", st.dataset, err)
	}

	_, err = st.tx.ExecContext(ctx, `
		INSERT INTO datasets (name, loaded_at, record_count) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			loaded_at = excluded.loaded_at,
			record_count = excluded.record_count`,
		st.dataset, time.Now().UTC().Format(time.RFC3339), added)
	if err != nil {
		return 0, 0, fmt.Errorf("record dataset %s: %w", st.dataset, err)
	}

	_, _ = st.tx.ExecContext(ctx, `DROP TABLE stage_points`)
	_, _ = st.tx.ExecContext(ctx, `DROP TABLE stage_consumers`)

	if err := st.tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit dataset %s: %w", st.dataset, err)
	}
	return added, orphaned, nil
}

// Rollback abandons the staged dataset. Safe to call after Merge.
func (st *Stager) Rollback() error {
	if st.done {
		return nil
	}
	st.done = true
	return st.tx.Rollback()
}
