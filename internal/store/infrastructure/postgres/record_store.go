package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"homectl/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS homectl_records (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	data JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (kind, id)
)`

// RecordStore persists records in PostgreSQL as JSONB.
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore constructs a store over db, opened with the pgx driver.
func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db}
}

// EnsureSchema creates the records table if it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("record store: nil db")
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("record store: ensure schema: %w", err)
	}
	return nil
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
INSERT INTO homectl_records (kind, id, data, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (kind, id) DO UPDATE SET
	data = EXCLUDED.data,
	updated_at = EXCLUDED.updated_at`, kind, id, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record store: save %s/%s: %w", kind, id, err)
	}
	return nil
}

// Get returns a record by id.
func (s *RecordStore) Get(ctx context.Context, kind, id string) (store.Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("record store: nil db")
	}
	var data string
	err := s.db.QueryRowContext(ctx, `
SELECT data
FROM homectl_records
WHERE kind = $1 AND id = $2`, kind, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return store.Decode([]byte(data))
}

// List returns all records of a kind ordered by id.
func (s *RecordStore) List(ctx context.Context, kind string) ([]store.Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("record store: nil db")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT data
FROM homectl_records
WHERE kind = $1
ORDER BY id`, kind)
	if err != nil {
		return nil, err
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM homectl_records WHERE kind = $1 AND id = $2`, kind, id)
	return err
}
