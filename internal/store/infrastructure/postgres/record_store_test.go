package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"homectl/internal/store"
	"homectl/internal/store/infrastructure/postgres"
)

func TestRecordStorePostgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	st := postgres.NewRecordStore(db)
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	const kind = "test-device"
	_, _ = db.ExecContext(ctx, `DELETE FROM homectl_records WHERE kind = $1`, kind)

	rec := store.Record{store.KeyID: "DEV_b", store.KeyName: "lamp", "LEVEL": 40}
	if err := st.Save(ctx, kind, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.Save(ctx, kind, store.Record{store.KeyID: "DEV_a", store.KeyName: "motion"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec[store.KeyName] = "hall lamp"
	if err := st.Save(ctx, kind, rec); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, err := st.Get(ctx, kind, "DEV_b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.String(store.KeyName, "") != "hall lamp" || got.Int64("LEVEL", 0) != 40 {
		t.Fatalf("expected updated record, got %v", got)
	}
	list, err := st.List(ctx, kind)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].String(store.KeyID, "") != "DEV_a" {
		t.Fatalf("expected 2 records ordered by id, got %v", list)
	}
	if err := st.Delete(ctx, kind, "DEV_b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.Get(ctx, kind, "DEV_b"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, _ = db.ExecContext(ctx, `DELETE FROM homectl_records WHERE kind = $1`, kind)
}
