package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"homectl/internal/eventing"
	"homectl/internal/rule"
	"homectl/internal/store"
)

func TestRecorderWritesCurrentWorldOutcomes(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(store.NewMemoryStore())
	bus := eventing.NewInMemoryBus()
	NewRecorder(repo).Register(bus, nil)
	publisher := eventing.NewPublisher(bus, "rule-program")

	at := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	events := []eventing.RuleEvaluated{
		{RuleID: "RULE_1", RuleName: "hall light", WorldID: "CURRENT", Current: true, Priority: 10, Status: rule.StatusApplied, OccurredAt: at},
		{RuleID: "RULE_1", RuleName: "hall light", WorldID: "CURRENT", Current: true, Priority: 10, Status: rule.StatusActive, OccurredAt: at.Add(time.Second)},
		{RuleID: "RULE_2", RuleName: "siren", WorldID: "HYP_1", Current: false, Priority: 5, Status: rule.StatusActionFailed, OccurredAt: at},
		{RuleID: "RULE_2", RuleName: "siren", WorldID: "CURRENT", Current: true, Priority: 5, Status: rule.StatusActionFailed, Error: "offline", OccurredAt: at.Add(2 * time.Second)},
	}
	passCtx := eventing.WithCorrelationID(ctx, "PASS_1")
	for _, e := range events {
		if err := publisher.Publish(passCtx, e); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	entries, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != "rule.applied" || entries[0].ResourceName != "hall light" {
		t.Fatalf("expected hall light applied first, got %+v", entries[0])
	}
	if entries[1].Action != "rule.action_failed" || entries[1].PayloadDigest == "" {
		t.Fatalf("expected siren failure with digest, got %+v", entries[1])
	}
	if !entries[1].CreatedAt.Equal(at.Add(2 * time.Second)) {
		t.Fatalf("expected event time kept, got %s", entries[1].CreatedAt)
	}
	if entries[0].Actor != "rule-program" {
		t.Fatalf("expected actor from the event source, got %q", entries[0].Actor)
	}
	var meta struct {
		Pass string `json:"pass"`
	}
	if err := json.Unmarshal(entries[1].Metadata, &meta); err != nil || meta.Pass != "PASS_1" {
		t.Fatalf("expected pass PASS_1 in metadata, got %s (%v)", entries[1].Metadata, err)
	}
}

func TestRepositoryDefaults(t *testing.T) {
	if NewRepository(nil) != nil {
		t.Fatalf("expected nil repository for nil store")
	}
	repo := NewRepository(store.NewMemoryStore())
	if err := repo.Log(context.Background(), Entry{Action: "rule.applied", Metadata: []byte(`{"a":1}`)}); err != nil {
		t.Fatalf("log: %v", err)
	}
	entries, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].ID == "" || entries[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and time filled in, got %+v", entries)
	}
	if entries[0].PayloadDigest != DigestJSON([]byte(`{"a":1}`)) {
		t.Fatalf("expected digest of metadata, got %s", entries[0].PayloadDigest)
	}
}
