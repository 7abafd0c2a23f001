package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

// Record kinds.
const (
	KindDevice = "device"
	KindRule   = "rule"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrMissingID is returned when a record has no _id.
	ErrMissingID = errors.New("store: record missing id")
)

// Store persists records by kind and id.
type Store interface {
	Save(ctx context.Context, kind string, rec Record) error
	Get(ctx context.Context, kind, id string) (Record, error)
	List(ctx context.Context, kind string) ([]Record, error)
	Delete(ctx context.Context, kind, id string) error
}

// Encode serializes a record for SQL-backed stores.
func Encode(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

// Decode parses a record produced by Encode.
func Decode(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// MemoryStore keeps records in process memory. Records are round-tripped
// through JSON so callers see the same shapes a SQL store returns.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string][]byte
}

// NewMemoryStore constructs an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string][]byte)}
}

// Save inserts or replaces a record.
func (s *MemoryStore) Save(ctx context.Context, kind string, rec Record) error {
	if s == nil {
		return errors.New("store: nil memory store")
	}
	id := rec.String(KeyID, "")
	if id == "" {
		return ErrMissingID
	}
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[kind] == nil {
		s.records[kind] = make(map[string][]byte)
	}
	s.records[kind][id] = data
	return nil
}

// Get returns a record by id.
func (s *MemoryStore) Get(ctx context.Context, kind, id string) (Record, error) {
	if s == nil {
		return nil, errors.New("store: nil memory store")
	}
	s.mu.RLock()
	data, ok := s.records[kind][id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return Decode(data)
}

// List returns all records of a kind ordered by id.
func (s *MemoryStore) List(ctx context.Context, kind string) ([]Record, error) {
	if s == nil {
		return nil, errors.New("store: nil memory store")
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.records[kind]))
	for id := range s.records[kind] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	raw := make([][]byte, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, s.records[kind][id])
	}
	s.mu.RUnlock()

	out := make([]Record, 0, len(raw))
	for _, data := range raw {
		rec, err := Decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *MemoryStore) Delete(ctx context.Context, kind, id string) error {
	if s == nil {
		return errors.New("store: nil memory store")
	}
	s.mu.Lock()
	delete(s.records[kind], id)
	s.mu.Unlock()
	return nil
}
