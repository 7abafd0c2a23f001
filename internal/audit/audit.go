package audit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"homectl/internal/store"
)

// KindAudit is the record kind audit entries are stored under.
const KindAudit = "audit"

const (
	keyActor        = "ACTOR"
	keyAction       = "ACTION"
	keyResourceType = "RESOURCE_TYPE"
	keyResourceID   = "RESOURCE_ID"
	keyResourceName = "RESOURCE_NAME"
	keyWorld        = "WORLD"
	keyMetadata     = "METADATA"
	keyDigest       = "DIGEST"
	keyCreated      = "CREATED"
)

// Entry represents an audit log entry.
type Entry struct {
	ID            string
	Actor         string
	Action        string
	ResourceType  string
	ResourceID    string
	ResourceName  string
	WorldID       string
	Metadata      json.RawMessage
	PayloadDigest string
	CreatedAt     time.Time
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// NewID generates a random audit id.
func NewID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return "audit-" + hex.EncodeToString(buf)
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ToRecord serializes e.
func (e Entry) ToRecord() store.Record {
	rec := store.Record{
		store.KeyID:     e.ID,
		keyActor:        e.Actor,
		keyAction:       e.Action,
		keyResourceType: e.ResourceType,
		keyResourceID:   e.ResourceID,
		keyResourceName: e.ResourceName,
		keyWorld:        e.WorldID,
		keyDigest:       e.PayloadDigest,
		keyCreated:      e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(e.Metadata) > 0 {
		rec[keyMetadata] = string(e.Metadata)
	}
	return rec
}

// EntryFromRecord rebuilds an entry.
func EntryFromRecord(rec store.Record) Entry {
	return Entry{
		ID:            rec.String(store.KeyID, ""),
		Actor:         rec.String(keyActor, ""),
		Action:        rec.String(keyAction, ""),
		ResourceType:  rec.String(keyResourceType, ""),
		ResourceID:    rec.String(keyResourceID, ""),
		ResourceName:  rec.String(keyResourceName, ""),
		WorldID:       rec.String(keyWorld, ""),
		Metadata:      json.RawMessage(rec.String(keyMetadata, "")),
		PayloadDigest: rec.String(keyDigest, ""),
		CreatedAt:     rec.Time(keyCreated),
	}
}
