// Package ledger is the mutation facade the CLI and UI write through.
//
// Every mutation is optimistic: it lands in the local store immediately,
// flagged as pending, and a queue item carries it to the server when
// connectivity allows. All writes go through here so the sync metadata
// invariants hold centrally - a pending entity is never marked synced,
// deletes are tombstoned until the server confirms, and an entity
// created and deleted within one offline session never reaches the
// server at all.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coinkeep/coinkeep/internal/model"
	"github.com/coinkeep/coinkeep/internal/queue"
	"github.com/coinkeep/coinkeep/internal/store"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a mutation targets an entity that is not
// in the local cache.
var ErrNotFound = errors.New("ledger: entity not found")

// Ledger applies optimistic local mutations and enqueues them for sync.
type Ledger struct {
	store    *store.Store
	queue    *queue.Queue
	strategy model.Strategy
	logger   *log.Logger
	now      func() time.Time
}

// New creates a Ledger. strategy is the default conflict strategy
// attached to enqueued mutations; if invalid, server_wins is used.
// If logger is nil, a default logger writing to stderr is used.
func New(st *store.Store, q *queue.Queue, strategy model.Strategy, logger *log.Logger) *Ledger {
	if !strategy.Valid() {
		strategy = model.StrategyServerWins
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[ledger] ", log.LstdFlags)
	}
	return &Ledger{
		store:    st,
		queue:    q,
		strategy: strategy,
		logger:   logger,
		now:      time.Now,
	}
}

// Create accepts a new entity, assigns it an interim local id, caches
// it as pending, and enqueues the create.
func (l *Ledger) Create(ctx context.Context, kind model.Kind, fields map[string]any) (*model.Entity, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("ledger: unknown entity kind %q", kind)
	}

	localID := uuid.NewString()
	entity := &model.Entity{
		ID:     localID,
		Kind:   kind,
		Fields: fields,
		Meta: model.SyncMeta{
			Synced:        false,
			PendingAction: model.PendingCreate,
			LocalID:       localID,
			LocalVersion:  1,
			LastModified:  l.now(),
		},
	}

	if err := l.store.Put(ctx, kind, entity); err != nil {
		return nil, fmt.Errorf("ledger: failed to cache new %s: %w", kind, err)
	}

	_, err := l.queue.Enqueue(ctx, kind, model.ActionCreate, model.Payload{
		ID:      localID,
		LocalID: localID,
		Fields:  entity.CloneFields(),
	}, l.strategy)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to enqueue create: %w", err)
	}

	l.logger.Printf("Created %s %s (pending sync)", kind, localID)
	return entity, nil
}

// Update overlays fields onto the cached entity, bumps the local
// version, and enqueues the update. An update of an entity whose create
// is still pending coalesces into the create's queue item.
func (l *Ledger) Update(ctx context.Context, kind model.Kind, id string, fields map[string]any) (*model.Entity, error) {
	entity, err := l.store.Get(ctx, kind, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if entity.Meta.PendingAction == model.PendingDelete {
		return nil, fmt.Errorf("ledger: %s %s is pending deletion", kind, id)
	}

	for name, value := range fields {
		if model.ReservedField(name) {
			continue
		}
		entity.Fields[name] = value
	}

	entity.Meta.Synced = false
	entity.Meta.LocalVersion++
	entity.Meta.LastModified = l.now()
	if entity.Meta.PendingAction != model.PendingCreate {
		entity.Meta.PendingAction = model.PendingUpdate
	}

	if err := l.store.Put(ctx, kind, entity); err != nil {
		return nil, fmt.Errorf("ledger: failed to cache %s update: %w", kind, err)
	}

	_, err = l.queue.Enqueue(ctx, kind, model.ActionUpdate, model.Payload{
		ID:            id,
		LocalID:       entity.Meta.LocalID,
		ServerVersion: entity.Meta.ServerVersion,
		Fields:        entity.CloneFields(),
	}, l.strategy)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to enqueue update: %w", err)
	}

	l.logger.Printf("Updated %s %s (local v%d, pending sync)", kind, id, entity.Meta.LocalVersion)
	return entity, nil
}

// Delete tombstones the entity and enqueues the delete. Deleting an
// entity whose create never reached the server cancels the create and
// removes the record outright.
func (l *Ledger) Delete(ctx context.Context, kind model.Kind, id string) error {
	entity, err := l.store.Get(ctx, kind, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if entity.Meta.PendingAction == model.PendingCreate {
		cancelled, err := l.queue.CancelPendingCreate(ctx, kind, id)
		if err != nil {
			return fmt.Errorf("ledger: failed to cancel pending create: %w", err)
		}
		if cancelled {
			if err := l.store.Delete(ctx, kind, id); err != nil {
				return fmt.Errorf("ledger: failed to remove %s %s: %w", kind, id, err)
			}
			l.logger.Printf("Deleted offline-created %s %s before it reached the server", kind, id)
			return nil
		}
		// The create is already in flight; fall through to a tombstone
		// so the delete drains after it.
	}

	entity.Meta.Synced = false
	entity.Meta.PendingAction = model.PendingDelete
	entity.Meta.LocalVersion++
	entity.Meta.LastModified = l.now()

	if err := l.store.Put(ctx, kind, entity); err != nil {
		return fmt.Errorf("ledger: failed to tombstone %s %s: %w", kind, id, err)
	}

	_, err = l.queue.Enqueue(ctx, kind, model.ActionDelete, model.Payload{
		ID:            id,
		LocalID:       entity.Meta.LocalID,
		ServerVersion: entity.Meta.ServerVersion,
		Fields:        entity.CloneFields(),
	}, l.strategy)
	if err != nil {
		return fmt.Errorf("ledger: failed to enqueue delete: %w", err)
	}

	l.logger.Printf("Deleted %s %s (tombstoned pending sync)", kind, id)
	return nil
}
