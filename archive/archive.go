/*
Package archive persists completed scans to a SQLite database.

Every finished sweep becomes one record: the command that produced it,
who ran it, how it ended, and the full data table.  Past scans can then
be listed and reloaded without parsing data files.
*/
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoScan is generated by Load and Delete for ids the archive does
// not hold.
var ErrNoScan = errors.New("archive has no scan with that id")

// Record is the header of one archived scan.
type Record struct {
	ID      int64
	Command string
	User    string
	State   string
	Started time.Time
	Ended   time.Time
	Columns []string
	Points  int
}

// Store is a scan archive backed by one SQLite file.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS scans (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	command     TEXT NOT NULL,
	user        TEXT NOT NULL,
	state       TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	points      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS columns (
	scan_id INTEGER NOT NULL,
	pos     INTEGER NOT NULL,
	name    TEXT NOT NULL,
	PRIMARY KEY (scan_id, pos)
);
CREATE TABLE IF NOT EXISTS samples (
	scan_id INTEGER NOT NULL,
	point   INTEGER NOT NULL,
	pos     INTEGER NOT NULL,
	value   REAL NOT NULL,
	PRIMARY KEY (scan_id, point, pos)
);
`

// Open opens or creates the archive at path and ensures its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating archive %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Save writes one scan and its data rows, returning the new record's id.
// Every row must have one value per column.
func (s *Store) Save(ctx context.Context, rec Record, rows [][]float64) (int64, error) {
	if len(rec.Columns) == 0 {
		return 0, fmt.Errorf("archiving %q: no columns", rec.Command)
	}
	for i, row := range rows {
		if len(row) != len(rec.Columns) {
			return 0, fmt.Errorf("archiving %q: row %d has %d values, want %d", rec.Command, i, len(row), len(rec.Columns))
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO scans (command, user, state, started_at, finished_at, points) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Command, rec.User, rec.State,
		rec.Started.UTC().Format(time.RFC3339Nano),
		rec.Ended.UTC().Format(time.RFC3339Nano),
		len(rows))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for pos, name := range rec.Columns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO columns (scan_id, pos, name) VALUES (?, ?, ?)`, id, pos, name); err != nil {
			return 0, err
		}
	}
	ins, err := tx.PrepareContext(ctx,
		`INSERT INTO samples (scan_id, point, pos, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer ins.Close()
	for point, row := range rows {
		for pos, v := range row {
			if _, err := ins.ExecContext(ctx, id, point, pos, v); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// List returns archived scan headers, newest first.  limit caps the
// result when positive.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	q := `SELECT id, command, user, state, started_at, finished_at, points FROM scans ORDER BY id DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, q+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		cols, err := s.columns(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Columns = cols
	}
	return out, nil
}

// Load returns one archived scan and its data rows.
func (s *Store) Load(ctx context.Context, id int64) (Record, [][]float64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, command, user, state, started_at, finished_at, points FROM scans WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, nil, fmt.Errorf("%w: %d", ErrNoScan, id)
	}
	if err != nil {
		return Record{}, nil, err
	}
	rec.Columns, err = s.columns(ctx, id)
	if err != nil {
		return Record{}, nil, err
	}
	data := make([][]float64, rec.Points)
	for i := range data {
		data[i] = make([]float64, len(rec.Columns))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT point, pos, value FROM samples WHERE scan_id = ? ORDER BY point, pos`, id)
	if err != nil {
		return Record{}, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var point, pos int
		var v float64
		if err := rows.Scan(&point, &pos, &v); err != nil {
			return Record{}, nil, err
		}
		if point < 0 || point >= rec.Points || pos < 0 || pos >= len(rec.Columns) {
			return Record{}, nil, fmt.Errorf("scan %d has a sample outside its table at (%d, %d)", id, point, pos)
		}
		data[point][pos] = v
	}
	if err := rows.Err(); err != nil {
		return Record{}, nil, err
	}
	return rec, data, nil
}

// Count returns the number of archived scans.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scans`).Scan(&n)
	return n, err
}

// Delete removes one archived scan and its data.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM scans WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNoScan, id)
	}
	for _, q := range []string{
		`DELETE FROM columns WHERE scan_id = ?`,
		`DELETE FROM samples WHERE scan_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(r rowScanner) (Record, error) {
	var rec Record
	var started, ended string
	if err := r.Scan(&rec.ID, &rec.Command, &rec.User, &rec.State, &started, &ended, &rec.Points); err != nil {
		return Record{}, err
	}
	var err error
	rec.Started, err = time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return Record{}, fmt.Errorf("scan %d has a malformed start time %q: %w", rec.ID, started, err)
	}
	rec.Ended, err = time.Parse(time.RFC3339Nano, ended)
	if err != nil {
		return Record{}, fmt.Errorf("scan %d has a malformed end time %q: %w", rec.ID, ended, err)
	}
	return rec, nil
}

func (s *Store) columns(ctx context.Context, id int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM columns WHERE scan_id = ? ORDER BY pos`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
