package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"homectl/internal/store"
)

// RecordStore persists records in a SQLite file.
type RecordStore struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies migrations.
func Open(ctx context.Context, path string) (*RecordStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &RecordStore{db: db}, nil
}

// Close closes the database.
func (s *RecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle.
func (s *RecordStore) DB() *sql.DB {
	return s.db
}

// Save inserts or replaces a record.
func (s *RecordStore) Save(ctx context.Context, kind string, rec store.Record) error {
	if s == nil || s.db == nil {
		return errors.New("record store: nil db")
	}
	id := rec.String(store.KeyID, "")
	if id == "" {
		return store.ErrMissingID
	}
	data, err := store.Encode(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO records(kind, id, data, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(kind, id) DO UPDATE SET
	data=excluded.data,
	updated_at=excluded.updated_at
`, kind, id, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", kind, id, err)
	}
	return nil
}

// Get returns a record by id.
func (s *RecordStore) Get(ctx context.Context, kind, id string) (store.Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("record store: nil db")
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM records WHERE kind = ? AND id = ?`, kind, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", kind, id, err)
	}
	return store.Decode([]byte(data))
}

// List returns all records of a kind ordered by id.
func (s *RecordStore) List(ctx context.Context, kind string) ([]store.Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("record store: nil db")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM records WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := store.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *RecordStore) Delete(ctx context.Context, kind, id string) error {
	if s == nil || s.db == nil {
		return errors.New("record store: nil db")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, kind, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", kind, id, err)
	}
	return nil
}
