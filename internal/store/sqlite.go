// Package store persists the correspondence log in SQLite and exchanges it
// with CSV files.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"time"

	"probe-calib/internal/calib"

	_ "modernc.org/sqlite"
)

// schema.sql creates the correspondence log table and its serial index.
//
//go:embed schema.sql
var schemaSQL string

// SQLiteStore is a calib.Store backed by an SQLite database.
type SQLiteStore struct {
	*sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database. A nil logger uses log.Default().
func OpenSQLite(path string, logger *log.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = log.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema to %s: %w", path, err)
	}
	logger.Printf("initialized correspondence database %s", path)
	return &SQLiteStore{db}, nil
}

const insertRow = `
	INSERT INTO correspondences (sn, local_x, local_y, local_z, global_x, global_y, global_z,
		ts_local_coords, ts_img_captured, cam0, pt0_x, pt0_y, cam1, pt1_x, pt1_y)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insert(ctx context.Context, db execer, c calib.Correspondence) error {
	_, err := db.ExecContext(ctx, insertRow,
		c.Serial, c.Local.X, c.Local.Y, c.Local.Z, c.Global.X, c.Global.Y, c.Global.Z,
		unixNano(c.LocalTimestamp), unixNano(c.CapturedAt),
		c.Views[0].Name, c.Views[0].Pixel.X, c.Views[0].Pixel.Y,
		c.Views[1].Name, c.Views[1].Pixel.X, c.Views[1].Pixel.Y)
	if err != nil {
		return fmt.Errorf("failed to insert correspondence: %w", err)
	}
	return nil
}

// Append stores one correspondence.
func (s *SQLiteStore) Append(ctx context.Context, c calib.Correspondence) error {
	return insert(ctx, s.DB, c)
}

// Query returns the rows of serial in insertion order.
func (s *SQLiteStore) Query(ctx context.Context, serial string) ([]calib.Correspondence, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT sn, local_x, local_y, local_z, global_x, global_y, global_z,
			ts_local_coords, ts_img_captured, cam0, pt0_x, pt0_y, cam1, pt1_x, pt1_y
		FROM correspondences
		WHERE sn = ?
		ORDER BY id
	`, serial)
	if err != nil {
		return nil, fmt.Errorf("failed to query correspondences: %w", err)
	}
	defer rows.Close()

	var out []calib.Correspondence
	for rows.Next() {
		var c calib.Correspondence
		var tsLocal, tsImg int64
		if err := rows.Scan(&c.Serial,
			&c.Local.X, &c.Local.Y, &c.Local.Z,
			&c.Global.X, &c.Global.Y, &c.Global.Z,
			&tsLocal, &tsImg,
			&c.Views[0].Name, &c.Views[0].Pixel.X, &c.Views[0].Pixel.Y,
			&c.Views[1].Name, &c.Views[1].Pixel.X, &c.Views[1].Pixel.Y); err != nil {
			return nil, fmt.Errorf("failed to scan correspondence: %w", err)
		}
		c.LocalTimestamp = fromUnixNano(tsLocal)
		c.CapturedAt = fromUnixNano(tsImg)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Overwrite replaces every row of serial in one transaction.
func (s *SQLiteStore) Overwrite(ctx context.Context, serial string, rows []calib.Correspondence) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin overwrite: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM correspondences WHERE sn = ?`, serial); err != nil {
		return fmt.Errorf("failed to delete %s: %w", serial, err)
	}
	for _, c := range rows {
		c.Serial = serial
		if err := insert(ctx, tx, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Serials returns every serial with at least one row.
func (s *SQLiteStore) Serials(ctx context.Context) ([]string, error) {
	rows, err := s.QueryContext(ctx, `SELECT DISTINCT sn FROM correspondences ORDER BY sn`)
	if err != nil {
		return nil, fmt.Errorf("failed to query serials: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sn string
		if err := rows.Scan(&sn); err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

// Count returns the number of rows stored for serial.
func (s *SQLiteStore) Count(ctx context.Context, serial string) (int, error) {
	var n int
	err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM correspondences WHERE sn = ?`, serial).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", serial, err)
	}
	return n, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
