// Package model defines the cached finance entities and sync bookkeeping
// records shared by the local store, the mutation queue, and the sync engine.
//
// Every cached entity carries sync metadata alongside its domain fields:
// whether the local copy matches the last known server copy, which local
// mutation (if any) is still outstanding, and the version tokens used for
// optimistic-concurrency checks during sync.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies an entity collection.
type Kind string

const (
	KindAccount     Kind = "account"
	KindCategory    Kind = "category"
	KindTransaction Kind = "transaction"
)

// Kinds lists all entity kinds in a stable order.
var Kinds = []Kind{KindAccount, KindCategory, KindTransaction}

// Valid reports whether k names a known entity kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAccount, KindCategory, KindTransaction:
		return true
	}
	return false
}

// Collection returns the REST collection name for the kind
// (e.g. "transactions" for KindTransaction).
func (k Kind) Collection() string {
	return string(k) + "s"
}

// PendingAction is the outstanding local mutation for an entity that the
// server has not confirmed yet.
type PendingAction string

const (
	PendingNone   PendingAction = "none"
	PendingCreate PendingAction = "create"
	PendingUpdate PendingAction = "update"
	PendingDelete PendingAction = "delete"
)

// SyncMeta is the sync bookkeeping attached to every cached entity.
type SyncMeta struct {
	// Synced is true when the local copy matches the last known server copy.
	Synced bool

	// PendingAction is the local mutation awaiting server confirmation.
	PendingAction PendingAction

	// LocalID is set only for entities created offline, before the server
	// has assigned a permanent identifier. It is used to deduplicate on
	// first successful sync.
	LocalID string

	// ServerVersion is the last-known server updated_at, used as an
	// optimistic-concurrency token. Nil for entities the server has
	// never confirmed.
	ServerVersion *time.Time

	// LocalVersion increments on every local mutation. It is never sent
	// to the server.
	LocalVersion int

	// LastModified is the wall-clock time of the last local write.
	LastModified time.Time
}

// Entity is a cached domain record (account, category, or transaction).
//
// Domain fields live in Fields, JSON-shaped, keyed by their wire names
// (e.g. "name", "amount", "transaction_date"). The identifier and sync
// metadata are kept outside Fields so that they can never be clobbered
// by a server response or a field-level merge.
type Entity struct {
	ID     string
	Kind   Kind
	Fields map[string]any
	Meta   SyncMeta
}

// Reserved field names that must never be overlaid during a field-level
// merge: the identifier, the server-owned creation timestamp, and the
// sync metadata column names.
var reservedFields = map[string]bool{
	"id":             true,
	"created_at":     true,
	"synced":         true,
	"pending_action": true,
	"local_id":       true,
	"server_version": true,
	"local_version":  true,
	"last_modified":  true,
}

// ReservedField reports whether name is excluded from field-level merges.
func ReservedField(name string) bool {
	return reservedFields[name]
}

// StringField returns the named domain field as a string, or "" if absent
// or not a string.
func (e *Entity) StringField(name string) string {
	if v, ok := e.Fields[name].(string); ok {
		return v
	}
	return ""
}

// DecimalField parses the named domain field as a decimal amount.
// Amounts are carried as strings on the wire to avoid float rounding.
func (e *Entity) DecimalField(name string) decimal.Decimal {
	switch v := e.Fields[name].(type) {
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	}
	return decimal.Zero
}

// IntField returns the named domain field as an int, tolerating the
// float64 shape JSON decoding produces.
func (e *Entity) IntField(name string) int {
	switch v := e.Fields[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// TimeField parses the named domain field as an RFC3339 timestamp.
// Returns the zero time if the field is absent or malformed.
func (e *Entity) TimeField(name string) time.Time {
	if v, ok := e.Fields[name].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// CloneFields returns a shallow copy of the entity's domain fields.
func (e *Entity) CloneFields() map[string]any {
	out := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		out[k] = v
	}
	return out
}

// ProfileID returns the owning profile id, 0 meaning global/system-owned
// (e.g. built-in categories).
func (e *Entity) ProfileID() int {
	return e.IntField("profile_id")
}
