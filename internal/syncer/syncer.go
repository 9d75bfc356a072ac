// Package syncer drives convergence between the local entity store plus
// mutation queue and the remote finance API.
//
// A drain pass dequeues pending mutations in priority order - deletes
// before updates before creates - and submits each to the API:
//
//   - creates run duplicate detection first when the entity was born
//     offline, so a crash between "server accepted" and "queue item
//     removed" cannot double-create on the next pass;
//   - updates compare the carried version token against the server's
//     current updated_at and route mismatches through the conflict
//     resolver;
//   - deletes treat "not found" as success, the goal state being the
//     entity's absence.
//
// Each item's outcome is isolated: one bad record cannot block the rest
// of a batch. Passes repeat in a bounded loop until the pending backlog
// is drained or the pass limit is hit; a reentrancy guard ensures two
// drains never overlap.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/coinkeep/coinkeep/internal/api"
	"github.com/coinkeep/coinkeep/internal/connectivity"
	"github.com/coinkeep/coinkeep/internal/model"
	"github.com/coinkeep/coinkeep/internal/queue"
	"github.com/coinkeep/coinkeep/internal/resolve"
	"github.com/coinkeep/coinkeep/internal/store"
)

// ErrDrainInProgress is returned when Drain is called while a previous
// drain is still running. The caller should simply wait for the next
// trigger; the running drain is already consuming the backlog.
var ErrDrainInProgress = errors.New("syncer: drain already in progress")

// errManualConflict routes a needs-manual-resolution outcome out of the
// per-item dispatch without counting it as a retryable failure.
var errManualConflict = errors.New("syncer: conflict requires manual resolution")

// Config holds sync engine tuning.
type Config struct {
	// BatchSize is the number of items dequeued per pass.
	BatchSize int

	// MaxPasses bounds the drain loop. A backlog larger than
	// BatchSize*MaxPasses waits for the next trigger.
	MaxPasses int

	// StaleTimeout is how long an item may sit in_progress before the
	// pre-drain sweep assumes a crash and resets it to pending.
	StaleTimeout time.Duration

	// Logger for drain activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:    10,
		MaxPasses:    20,
		StaleTimeout: 5 * time.Minute,
		Logger:       log.New(os.Stderr, "[syncer] ", log.LstdFlags),
	}
}

// Result summarizes one drain.
type Result struct {
	// Skipped is true when the drain was a no-op because the device was
	// offline or another drain was already running.
	Skipped bool

	Passes     int
	Completed  int
	Failed     int
	Conflicted int
	Rejected   int
	Duration   time.Duration

	touched map[model.Kind]bool
}

// Kinds returns the entity kinds whose cached state changed during the
// drain, in stable order. Dependent UI refreshes these collections.
func (r *Result) Kinds() []model.Kind {
	var kinds []model.Kind
	for _, k := range model.Kinds {
		if r.touched[k] {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (r *Result) touch(kind model.Kind) {
	if r.touched == nil {
		r.touched = make(map[model.Kind]bool)
	}
	r.touched[kind] = true
}

// Notifier observes sync lifecycle events. The dashboard implements it
// to broadcast progress to connected UIs.
type Notifier interface {
	SyncStarted()
	SyncComplete(result Result)
	ConflictFound(item *model.QueueItem)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) SyncStarted()                   {}
func (NopNotifier) SyncComplete(Result)            {}
func (NopNotifier) ConflictFound(*model.QueueItem) {}

// Engine is the sync engine.
type Engine struct {
	store    *store.Store
	queue    *queue.Queue
	api      *api.Client
	conn     connectivity.Provider
	config   *Config
	notifier Notifier

	draining atomic.Bool
	now      func() time.Time
}

// New creates an Engine. If config is nil, DefaultConfig is used; if
// notifier is nil, events are discarded.
func New(st *store.Store, q *queue.Queue, client *api.Client, conn connectivity.Provider, config *Config, notifier Notifier) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		store:    st,
		queue:    q,
		api:      client,
		conn:     conn,
		config:   config,
		notifier: notifier,
		now:      time.Now,
	}
}

// Drain runs sync passes across all entity kinds until the pending
// backlog is empty or the pass limit is reached.
func (e *Engine) Drain(ctx context.Context) (*Result, error) {
	return e.drain(ctx, "")
}

// DrainKind drains only the queue items for one entity kind.
func (e *Engine) DrainKind(ctx context.Context, kind model.Kind) (*Result, error) {
	return e.drain(ctx, kind)
}

func (e *Engine) drain(ctx context.Context, kind model.Kind) (*Result, error) {
	if !e.conn.Online() {
		e.config.Logger.Println("Offline, skipping drain")
		return &Result{Skipped: true}, nil
	}

	if !e.draining.CompareAndSwap(false, true) {
		return &Result{Skipped: true}, ErrDrainInProgress
	}
	defer e.draining.Store(false)

	start := e.now()
	result := &Result{}

	// Items stuck in_progress from a crashed process are
	// indistinguishable on disk from genuinely in-flight ones; after
	// the stale timeout, assume the crash.
	if _, err := e.queue.ResetStaleInProgress(ctx, e.config.StaleTimeout); err != nil {
		return result, fmt.Errorf("stale-item sweep failed: %w", err)
	}

	// Failures from earlier drains become eligible again. Within this
	// drain they stay failed, which is what bounds the loop.
	if _, err := e.queue.RetryFailed(ctx); err != nil {
		return result, fmt.Errorf("failed-item reset failed: %w", err)
	}

	e.notifier.SyncStarted()

	for pass := 0; pass < e.config.MaxPasses; pass++ {
		if !e.conn.Online() {
			e.config.Logger.Println("Connectivity lost mid-drain, stopping")
			break
		}

		batch, err := e.queue.DequeueBatch(ctx, e.config.BatchSize, kind)
		if err != nil {
			return result, fmt.Errorf("dequeue failed: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		result.Passes++
		for _, item := range batch {
			e.processItem(ctx, item, result)
		}
	}

	result.Duration = e.now().Sub(start)
	e.config.Logger.Printf("Drain complete: %d completed, %d failed, %d conflicted, %d rejected in %d pass(es)",
		result.Completed, result.Failed, result.Conflicted, result.Rejected, result.Passes)
	e.notifier.SyncComplete(*result)
	return result, nil
}

// processItem runs one queue item to a terminal or retry outcome. The
// item arrives already claimed in_progress by DequeueBatch. Every
// outcome is absorbed here; a drain never aborts because of one item.
func (e *Engine) processItem(ctx context.Context, item *model.QueueItem, result *Result) {
	var err error
	switch item.Action {
	case model.ActionCreate:
		err = e.processCreate(ctx, item)
	case model.ActionUpdate:
		err = e.processUpdate(ctx, item)
	case model.ActionDelete:
		err = e.processDelete(ctx, item)
	default:
		err = &api.RejectionError{Message: fmt.Sprintf("unknown action %q", item.Action)}
	}

	switch {
	case err == nil:
		if markErr := e.queue.MarkStatus(ctx, item.ID, model.StatusCompleted, ""); markErr != nil {
			e.config.Logger.Printf("Failed to mark item %d completed: %v", item.ID, markErr)
		}
		if removeErr := e.queue.Remove(ctx, item.ID); removeErr != nil {
			e.config.Logger.Printf("Failed to remove completed item %d: %v", item.ID, removeErr)
		}
		result.Completed++
		result.touch(item.Kind)

	case errors.Is(err, errManualConflict):
		if markErr := e.queue.MarkStatus(ctx, item.ID, model.StatusConflict, err.Error()); markErr != nil {
			e.config.Logger.Printf("Failed to mark item %d conflicted: %v", item.ID, markErr)
		}
		result.Conflicted++
		e.notifier.ConflictFound(item)
		e.config.Logger.Printf("Conflict on %s %s requires manual resolution (item %d)",
			item.Kind, item.Payload.ID, item.ID)

	case api.IsRejection(err):
		if markErr := e.queue.MarkStatus(ctx, item.ID, model.StatusRejected, err.Error()); markErr != nil {
			e.config.Logger.Printf("Failed to mark item %d rejected: %v", item.ID, markErr)
		}
		result.Rejected++
		e.config.Logger.Printf("Server permanently rejected %s %s %s: %v",
			item.Action, item.Kind, item.Payload.ID, err)

	default:
		if markErr := e.queue.MarkStatus(ctx, item.ID, model.StatusFailed, err.Error()); markErr != nil {
			e.config.Logger.Printf("Failed to mark item %d failed: %v", item.ID, markErr)
		}
		result.Failed++
		e.config.Logger.Printf("Sync of %s %s %s failed, will retry: %v",
			item.Action, item.Kind, item.Payload.ID, err)
	}
}

// processCreate submits a create, deduplicating offline-born entities
// against the server's natural keys first.
func (e *Engine) processCreate(ctx context.Context, item *model.QueueItem) error {
	if item.Payload.LocalID != "" {
		dup, err := e.findDuplicate(ctx, item)
		if err != nil {
			return err
		}
		if dup != nil {
			e.config.Logger.Printf("Create of %s %s matched existing server entity %s, adopting",
				item.Kind, item.Payload.ID, dup.ID)
			return e.adoptRemote(ctx, item, dup)
		}
	}

	remote, err := e.api.Create(ctx, item.Kind, sendableFields(item.Payload.Fields))
	if err != nil {
		return err
	}
	return e.adoptRemote(ctx, item, remote)
}

// adoptRemote replaces the interim local record (if the ids differ)
// with the server's representation, marked synced. Mutations queued
// against the interim id while this create was in flight are reassigned
// to the server id, and a tombstone placed in that window survives the
// adoption so the queued delete still has something to drop.
func (e *Engine) adoptRemote(ctx context.Context, item *model.QueueItem, remote *api.Remote) error {
	adopted := e.entityFromRemote(item.Kind, remote)
	adopted.Meta.LocalID = item.Payload.LocalID

	if remote.ID != item.Payload.ID {
		if local, err := e.store.Get(ctx, item.Kind, item.Payload.ID); err == nil &&
			local.Meta.PendingAction == model.PendingDelete {
			adopted.Meta.Synced = false
			adopted.Meta.PendingAction = model.PendingDelete
		}
		if err := e.queue.ReassignEntity(ctx, item.Kind, item.Payload.ID, remote.ID); err != nil {
			return fmt.Errorf("failed to reassign queued mutations to %s: %w", remote.ID, err)
		}
		if err := e.store.Delete(ctx, item.Kind, item.Payload.ID); err != nil {
			return fmt.Errorf("failed to drop interim record %s: %w", item.Payload.ID, err)
		}
	}
	if err := e.store.Put(ctx, item.Kind, adopted); err != nil {
		return fmt.Errorf("failed to cache server copy of %s: %w", remote.ID, err)
	}
	return nil
}

// findDuplicate looks for a server entity matching the payload's
// natural key: amount + date + account for transactions, name for
// accounts and categories. A prior partially-completed sync may have
// created the entity already; double-creating it is worse than one
// extra list call per offline create.
func (e *Engine) findDuplicate(ctx context.Context, item *model.QueueItem) (*api.Remote, error) {
	remotes, err := e.api.List(ctx, item.Kind)
	if err != nil {
		return nil, fmt.Errorf("duplicate-detection list failed: %w", err)
	}

	want := &model.Entity{Kind: item.Kind, Fields: item.Payload.Fields}
	for _, r := range remotes {
		have := &model.Entity{ID: r.ID, Kind: item.Kind, Fields: r.Fields}
		if naturalKeyMatch(item.Kind, want, have) {
			return r, nil
		}
	}
	return nil, nil
}

func naturalKeyMatch(kind model.Kind, a, b *model.Entity) bool {
	if kind == model.KindTransaction {
		return a.DecimalField("amount").Equal(b.DecimalField("amount")) &&
			a.StringField("transaction_date") == b.StringField("transaction_date") &&
			a.StringField("account_id") == b.StringField("account_id")
	}
	return a.StringField("name") != "" && a.StringField("name") == b.StringField("name")
}

// processUpdate submits an update with a client-side optimistic
// concurrency check. A version mismatch routes through the conflict
// resolver; a missing server entity falls back to create.
func (e *Engine) processUpdate(ctx context.Context, item *model.QueueItem) error {
	remote, err := e.api.Get(ctx, item.Kind, item.Payload.ID)
	if errors.Is(err, api.ErrNotFound) {
		e.config.Logger.Printf("Update target %s %s gone from server, recreating",
			item.Kind, item.Payload.ID)
		return e.processCreate(ctx, item)
	}
	if err != nil {
		return err
	}

	fields := item.Payload.Fields
	if conflicted(item.Payload, remote) {
		resolution, err := e.resolveConflict(ctx, item, remote)
		if err != nil {
			return err
		}
		if resolution.Manual {
			return errManualConflict
		}
		fields = resolution.Entity.Fields
	}

	updated, err := e.api.Update(ctx, item.Kind, item.Payload.ID, sendableFields(fields))
	if err != nil {
		return err
	}
	if err := e.store.Put(ctx, item.Kind, e.entityFromRemote(item.Kind, updated)); err != nil {
		return fmt.Errorf("failed to cache server copy of %s: %w", updated.ID, err)
	}
	return nil
}

// conflicted reports whether the version token the local edit was based
// on no longer matches the server's current updated_at. An update that
// never saw a server version (offline-born entity recreated under a new
// id, or a legacy row) carries no token and cannot conflict.
func conflicted(payload model.Payload, remote *api.Remote) bool {
	return payload.ServerVersion != nil && !payload.ServerVersion.Equal(remote.UpdatedAt)
}

func (e *Engine) resolveConflict(ctx context.Context, item *model.QueueItem, remote *api.Remote) (resolve.Resolution, error) {
	local, err := e.store.Get(ctx, item.Kind, item.Payload.ID)
	if errors.Is(err, store.ErrNotFound) {
		// Cache row vanished under the queue item; the payload snapshot
		// is all that remains of the local side.
		local = &model.Entity{
			ID:     item.Payload.ID,
			Kind:   item.Kind,
			Fields: item.Payload.Fields,
			Meta:   model.SyncMeta{LastModified: item.EnqueuedAt},
		}
	} else if err != nil {
		return resolve.Resolution{}, fmt.Errorf("failed to load local side of conflict: %w", err)
	}

	server := e.entityFromRemote(item.Kind, remote)
	return resolve.Resolve(local, server, item.Strategy, e.now())
}

// processDelete removes the entity remotely, treating "not found" as
// success, then drops the local tombstone.
//
// A delete still carrying the interim id of an offline-created entity
// can outrun the create: after a crash both items are pending again and
// the delete drains first by priority. The server never saw this id, so
// cancelling the create yields the outcome the user asked for without
// resurrecting the entity.
func (e *Engine) processDelete(ctx context.Context, item *model.QueueItem) error {
	if item.Payload.LocalID != "" && item.Payload.ID == item.Payload.LocalID {
		cancelled, err := e.queue.CancelPendingCreate(ctx, item.Kind, item.Payload.ID)
		if err != nil {
			return fmt.Errorf("failed to cancel pending create for %s: %w", item.Payload.ID, err)
		}
		if cancelled {
			if err := e.store.Delete(ctx, item.Kind, item.Payload.ID); err != nil {
				return fmt.Errorf("failed to drop local record %s: %w", item.Payload.ID, err)
			}
			return nil
		}
	}

	err := e.api.Delete(ctx, item.Kind, item.Payload.ID)
	if err != nil && !errors.Is(err, api.ErrNotFound) {
		return err
	}
	if err := e.store.Delete(ctx, item.Kind, item.Payload.ID); err != nil {
		return fmt.Errorf("failed to drop local tombstone %s: %w", item.Payload.ID, err)
	}
	return nil
}

// entityFromRemote converts a server representation into a cached
// entity marked synced, with the server's updated_at as the new
// version token.
func (e *Engine) entityFromRemote(kind model.Kind, remote *api.Remote) *model.Entity {
	version := remote.UpdatedAt
	return &model.Entity{
		ID:     remote.ID,
		Kind:   kind,
		Fields: remote.Fields,
		Meta: model.SyncMeta{
			Synced:        true,
			PendingAction: model.PendingNone,
			ServerVersion: &version,
			LastModified:  e.now(),
		},
	}
}

// sendableFields strips the identifier, server-owned timestamps, and
// sync metadata from a field map before transmission.
func sendableFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		if model.ReservedField(name) || name == "updated_at" {
			continue
		}
		out[name] = value
	}
	return out
}
