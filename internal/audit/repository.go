package audit

import (
	"context"
	"errors"
	"sort"
	"time"

	"homectl/internal/store"
)

// Repository writes audit logs to a record store.
type Repository struct {
	store store.Store
}

// NewRepository constructs an audit repository.
func NewRepository(st store.Store) *Repository {
	if st == nil {
		return nil
	}
	return &Repository{store: st}
}

// Log writes an audit entry.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	if r == nil || r.store == nil {
		return errors.New("audit repo: nil store")
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}
	return r.store.Save(ctx, KindAudit, entry.ToRecord())
}

// List returns entries oldest first.
func (r *Repository) List(ctx context.Context) ([]Entry, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("audit repo: nil store")
	}
	recs, err := r.store.List(ctx, KindAudit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, EntryFromRecord(rec))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
