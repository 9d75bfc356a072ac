package model

import (
	"encoding/json"
	"time"
)

// Action is the kind of mutation a queue item carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Priority returns the drain priority for the action. Higher drains
// first: deletes before updates, updates before creates, so that a
// create-then-delete sequence for the same offline-created entity never
// races the delete ahead of its own create.
func (a Action) Priority() int {
	switch a {
	case ActionDelete:
		return 3
	case ActionUpdate:
		return 2
	case ActionCreate:
		return 1
	}
	return 0
}

// Status is the lifecycle state of a queue item.
//
// The state machine is pending -> in_progress -> {completed | failed |
// conflict | rejected}. Failed items return to pending on the next sync
// attempt. Conflict items stay put until an external actor supplies a
// resolution, after which they re-enter pending with the resolved
// payload. Rejected items are permanent server rejections (validation
// errors) and are never retried automatically.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusConflict   Status = "conflict"
	StatusRejected   Status = "rejected"
)

// Strategy selects how a version conflict between a local and a server
// copy of the same entity is resolved.
type Strategy string

const (
	StrategyClientWins Strategy = "client_wins"
	StrategyServerWins Strategy = "server_wins"
	StrategyNewestWins Strategy = "newest_wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyClientWins, StrategyServerWins, StrategyNewestWins, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// Payload is the snapshot of entity data taken at enqueue time.
type Payload struct {
	// ID is the entity identifier the mutation targets. For offline-created
	// entities this is the interim local id until the server assigns one.
	ID string `json:"id"`

	// LocalID is set when the entity was created offline; used by the sync
	// engine for duplicate detection on first successful sync.
	LocalID string `json:"local_id,omitempty"`

	// ServerVersion is the optimistic-concurrency token carried into an
	// update: the server updated_at the local edit was based on.
	ServerVersion *time.Time `json:"server_version,omitempty"`

	// Fields holds the domain fields to transmit.
	Fields map[string]any `json:"fields"`
}

// Encode serializes the payload for durable storage.
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload deserializes a stored payload.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	err := json.Unmarshal(data, &p)
	return p, err
}

// QueueItem is one durable unit of outstanding sync work.
type QueueItem struct {
	ID            int64
	Kind          Kind
	Action        Action
	Payload       Payload
	EnqueuedAt    time.Time
	Attempts      int
	LastAttemptAt *time.Time
	LastError     string
	Status        Status
	Strategy      Strategy
	Priority      int
	Flagged       bool
}

// FlagThreshold is the attempt count at which an item is flagged for
// manual inspection. Flagged items remain retryable.
const FlagThreshold = 5
