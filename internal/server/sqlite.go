package server

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opsdeck/livesync/internal/record"
)

// SQLiteBackend persists rows in a single sqlite table, one JSON document
// per row. Used when the dev store should survive restarts.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	doc        TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating records table: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

var _ Backend = (*SQLiteBackend)(nil)

// List returns a collection's rows in insertion (rowid) order.
func (s *SQLiteBackend) List(collection string) ([]record.Record, error) {
	rows, err := s.db.Query(
		`SELECT doc FROM records WHERE collection = ? ORDER BY rowid`, collection)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", collection, err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var rec record.Record
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("decoding row in %s: %w", collection, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Insert stores a new row.
func (s *SQLiteBackend) Insert(collection string, rec record.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding row: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO records (collection, id, doc) VALUES (?, ?, ?)`,
		collection, rec.ID(), string(doc))
	if err != nil {
		return fmt.Errorf("inserting into %s: %w", collection, err)
	}
	return nil
}

// Update merges a patch onto the stored document.
func (s *SQLiteBackend) Update(collection, id string, patch record.Record) (record.Record, error) {
	var doc string
	err := s.db.QueryRow(
		`SELECT doc FROM records WHERE collection = ? AND id = ?`,
		collection, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	var existing record.Record
	if err := json.Unmarshal([]byte(doc), &existing); err != nil {
		return nil, fmt.Errorf("decoding row: %w", err)
	}
	merged := existing.Merge(patch)
	merged[record.IDField] = id

	encoded, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encoding row: %w", err)
	}
	if _, err := s.db.Exec(
		`UPDATE records SET doc = ? WHERE collection = ? AND id = ?`,
		string(encoded), collection, id); err != nil {
		return nil, err
	}
	return merged, nil
}

// Delete removes a row.
func (s *SQLiteBackend) Delete(collection, id string) error {
	res, err := s.db.Exec(
		`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Close closes the database.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
