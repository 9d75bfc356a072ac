// Package queue provides the durable mutation queue: an ordered record
// of local create/update/delete mutations awaiting transmission to the
// remote API.
//
// The queue lives in the offline_queue table of the same SQLite database
// as the entity store, so a mutation accepted while offline survives
// process restarts. Items drain in priority order - deletes before
// updates before creates - and within equal priority oldest first, so
// that a create-then-delete sequence for one offline-created entity can
// never race the delete ahead of its own create.
//
// State machine per item:
//
//	pending -> in_progress -> {completed | failed | conflict | rejected}
//
// Failed items return to pending on the next sync attempt; no item is
// abandoned automatically. Conflict items stay put until an external
// actor supplies a resolution, after which they re-enter pending with
// the resolved payload. Rejected items are permanent server rejections
// and are only retried when explicitly re-queued.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coinkeep/coinkeep/internal/model"
)

// ErrNotFound is returned when no queue item has the given id.
var ErrNotFound = errors.New("queue: item not found")

// Queue is the durable mutation queue.
type Queue struct {
	conn   *sql.DB
	logger *log.Logger
	signal chan struct{}
}

// New creates a Queue over the given database connection.
//
// The connection is normally store.RawDB(): entity writes and queue
// writes must land in the same durable database. If logger is nil, a
// default logger writing to stderr is used.
func New(conn *sql.DB, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{
		conn:   conn,
		logger: logger,
		signal: make(chan struct{}, 1),
	}
}

// Signal returns a channel that receives a tick whenever a mutation is
// enqueued. The daemon listens on it as the "try sync soon" trigger.
// Enqueue never blocks on it and never performs network I/O itself.
func (q *Queue) Signal() <-chan struct{} {
	return q.signal
}

func (q *Queue) kick() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Enqueue durably records a mutation and returns the item id.
//
// Priority is assigned from the action (delete=3, update=2, create=1).
//
// Updates coalesce: if a pending (not in-flight) item for the same
// entity already exists with action create or update, the new fields are
// folded into that item's payload instead of inserting a second item, so
// the latest local write is what eventually reaches the server. A delete
// for an entity with a pending update removes the obsolete update first.
func (q *Queue) Enqueue(ctx context.Context, kind model.Kind, action model.Action, payload model.Payload, strategy model.Strategy) (int64, error) {
	if !strategy.Valid() {
		strategy = model.StrategyServerWins
	}

	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	switch action {
	case model.ActionUpdate:
		id, done, err := coalesceUpdate(ctx, tx, kind, payload)
		if err != nil {
			return 0, err
		}
		if done {
			if err := tx.Commit(); err != nil {
				return 0, fmt.Errorf("failed to commit coalesce: %w", err)
			}
			q.kick()
			return id, nil
		}

	case model.ActionDelete:
		// A delete supersedes any pending update for the same entity.
		if _, err := tx.ExecContext(ctx, `
		DELETE FROM offline_queue
		WHERE entity_kind = ? AND entity_id = ? AND status = 'pending' AND action = 'update'`,
			string(kind), payload.ID); err != nil {
			return 0, fmt.Errorf("failed to supersede pending updates: %w", err)
		}
	}

	encoded, err := payload.Encode()
	if err != nil {
		return 0, fmt.Errorf("failed to encode payload: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO offline_queue (
		entity_kind, entity_id, action, payload, enqueued_at,
		status, conflict_strategy, priority
	) VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)`,
		string(kind),
		payload.ID,
		string(action),
		string(encoded),
		time.Now().UTC().Format(time.RFC3339Nano),
		string(strategy),
		action.Priority(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s %s: %w", action, kind, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue item id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit enqueue: %w", err)
	}

	q.kick()
	return id, nil
}

// coalesceUpdate folds an update's fields into an existing pending
// create/update item for the same entity, if one exists.
func coalesceUpdate(ctx context.Context, tx *sql.Tx, kind model.Kind, payload model.Payload) (int64, bool, error) {
	var (
		id       int64
		existing string
	)
	err := tx.QueryRowContext(ctx, `
	SELECT id, payload FROM offline_queue
	WHERE entity_kind = ? AND entity_id = ? AND status = 'pending'
	  AND action IN ('create', 'update')
	ORDER BY id DESC LIMIT 1`,
		string(kind), payload.ID).Scan(&id, &existing)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up pending item: %w", err)
	}

	prev, err := model.DecodePayload([]byte(existing))
	if err != nil {
		return 0, false, fmt.Errorf("failed to decode pending payload: %w", err)
	}

	for k, v := range payload.Fields {
		prev.Fields[k] = v
	}
	if payload.ServerVersion != nil {
		prev.ServerVersion = payload.ServerVersion
	}

	encoded, err := prev.Encode()
	if err != nil {
		return 0, false, fmt.Errorf("failed to encode coalesced payload: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE offline_queue SET payload = ? WHERE id = ?",
		string(encoded), id); err != nil {
		return 0, false, fmt.Errorf("failed to coalesce update: %w", err)
	}

	return id, true, nil
}

// CancelPendingCreate removes a pending create item for an entity that
// is being discarded before the server ever saw it (offline create
// followed by offline delete). Returns true if an item was removed.
func (q *Queue) CancelPendingCreate(ctx context.Context, kind model.Kind, entityID string) (bool, error) {
	res, err := q.conn.ExecContext(ctx, `
	DELETE FROM offline_queue
	WHERE entity_kind = ? AND entity_id = ? AND status = 'pending' AND action = 'create'`,
		string(kind), entityID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel pending create: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		// Stray updates for a cancelled create are meaningless too.
		if _, err := q.conn.ExecContext(ctx, `
		DELETE FROM offline_queue
		WHERE entity_kind = ? AND entity_id = ? AND status = 'pending'`,
			string(kind), entityID); err != nil {
			return true, fmt.Errorf("failed to clear pending items: %w", err)
		}
	}
	return n > 0, nil
}

// ReassignEntity rewrites queued mutations for one entity under a new
// id, payload included. When an offline-created entity adopts its
// server-assigned identity, any delete or update recorded against the
// interim id while the create was in flight must follow it, or it would
// target an id the server has never seen. The in-flight create itself
// is left untouched.
func (q *Queue) ReassignEntity(ctx context.Context, kind model.Kind, oldID, newID string) error {
	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
	SELECT id, payload FROM offline_queue
	WHERE entity_kind = ? AND entity_id = ? AND status != 'in_progress'`,
		string(kind), oldID)
	if err != nil {
		return fmt.Errorf("failed to list items for %s: %w", oldID, err)
	}
	defer rows.Close()

	type rewrite struct {
		id      int64
		payload string
	}
	var rewrites []rewrite
	for rows.Next() {
		var rw rewrite
		var raw string
		if err := rows.Scan(&rw.id, &raw); err != nil {
			return fmt.Errorf("failed to scan item: %w", err)
		}
		p, err := model.DecodePayload([]byte(raw))
		if err != nil {
			return fmt.Errorf("failed to decode payload for item %d: %w", rw.id, err)
		}
		p.ID = newID
		encoded, err := p.Encode()
		if err != nil {
			return fmt.Errorf("failed to encode payload for item %d: %w", rw.id, err)
		}
		rw.payload = string(encoded)
		rewrites = append(rewrites, rw)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating queue items: %w", err)
	}
	rows.Close()

	for _, rw := range rewrites {
		if _, err := tx.ExecContext(ctx,
			"UPDATE offline_queue SET entity_id = ?, payload = ? WHERE id = ?",
			newID, rw.payload, rw.id); err != nil {
			return fmt.Errorf("failed to reassign item %d: %w", rw.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reassign: %w", err)
	}
	if len(rewrites) > 0 {
		q.logger.Printf("Reassigned %d queued mutation(s) from %s to %s", len(rewrites), oldID, newID)
	}
	return nil
}

const itemColumns = `id, entity_kind, entity_id, action, payload, enqueued_at,
	attempts, last_attempt_at, last_error, status, conflict_strategy, priority, flagged`

// DequeueBatch claims up to maxItems pending items, ordered by priority
// descending then enqueued_at ascending (oldest first within a tier).
//
// Claiming is the pending -> in_progress transition itself, guarded by
// WHERE status = 'pending' inside one transaction, so two drains over
// the same database (ck sync racing the daemon) can never both pick up
// the same item. Each claim stamps last_attempt_at and counts as an
// attempt. Three guarantees hold:
//   - entities that already have an in_progress item are excluded, so at
//     most one mutation per logical entity is ever in flight;
//   - at most one item per entity appears in the returned batch;
//   - a returned item is in_progress and owned by the caller.
//
// kind scopes the batch to one collection; pass "" for all kinds.
func (q *Queue) DequeueBatch(ctx context.Context, maxItems int, kind model.Kind) ([]*model.QueueItem, error) {
	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
	SELECT %s FROM offline_queue q
	WHERE q.status = 'pending'
	  AND NOT EXISTS (
		SELECT 1 FROM offline_queue r
		WHERE r.status = 'in_progress'
		  AND r.entity_kind = q.entity_kind
		  AND r.entity_id = q.entity_id
	  )`, itemColumns)
	var args []interface{}

	if kind != "" {
		query += " AND q.entity_kind = ?"
		args = append(args, string(kind))
	}

	query += " ORDER BY q.priority DESC, q.enqueued_at ASC, q.id ASC"

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue batch: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var candidates []*model.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		key := string(item.Kind) + "/" + item.Payload.ID
		if seen[key] {
			continue
		}
		seen[key] = true
		candidates = append(candidates, item)
		if maxItems > 0 && len(candidates) >= maxItems {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	rows.Close()

	claimedAt := time.Now().UTC()
	stamp := claimedAt.Format(time.RFC3339Nano)
	var items []*model.QueueItem
	for _, item := range candidates {
		res, err := tx.ExecContext(ctx, `
		UPDATE offline_queue SET
			status = 'in_progress',
			attempts = attempts + 1,
			last_attempt_at = ?
		WHERE id = ? AND status = 'pending'`, stamp, item.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim item %d: %w", item.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Another process claimed it between our snapshot and now.
			continue
		}
		item.Status = model.StatusInProgress
		item.Attempts++
		at := claimedAt
		item.LastAttemptAt = &at
		items = append(items, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return items, nil
}

// MarkStatus transitions an item to the given status, recording the
// error message if any. Whenever an item leaves pending, attempts is
// incremented and last_attempt_at is stamped. Items reaching the flag
// threshold on failure are flagged for manual inspection but remain
// retryable.
func (q *Queue) MarkStatus(ctx context.Context, id int64, status model.Status, errMsg string) error {
	res, err := q.conn.ExecContext(ctx, `
	UPDATE offline_queue SET
		attempts = CASE WHEN status = 'pending' AND ? != 'pending' THEN attempts + 1 ELSE attempts END,
		last_attempt_at = CASE WHEN status = 'pending' AND ? != 'pending' THEN ? ELSE last_attempt_at END,
		status = ?,
		last_error = ?,
		flagged = CASE WHEN ? = 'failed' AND attempts >= ? THEN 1 ELSE flagged END
	WHERE id = ?`,
		string(status), string(status), time.Now().UTC().Format(time.RFC3339Nano),
		string(status), nullableError(errMsg),
		string(status), model.FlagThreshold,
		id)
	if err != nil {
		return fmt.Errorf("failed to mark item %d %s: %w", id, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if status == model.StatusFailed {
		item, err := q.ItemByID(ctx, id)
		if err == nil && item.Flagged {
			q.logger.Printf("Queue item %d has failed %d times, flagged for inspection: %s",
				id, item.Attempts, item.LastError)
		}
	}
	return nil
}

// Remove deletes an item from the queue. Used only after completion.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	if _, err := q.conn.ExecContext(ctx,
		"DELETE FROM offline_queue WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to remove item %d: %w", id, err)
	}
	return nil
}

// RetryFailed moves failed items back to pending so the next drain pass
// picks them up. Returns the number of items reset.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	res, err := q.conn.ExecContext(ctx,
		"UPDATE offline_queue SET status = 'pending' WHERE status = 'failed'")
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetStaleInProgress resets items stuck in_progress for longer than
// olderThan back to pending.
//
// The on-disk state alone cannot distinguish "crashed mid-request" from
// "genuinely in flight", so this sweep runs at startup and before each
// drain with a timeout comfortably longer than any single request.
func (q *Queue) ResetStaleInProgress(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)
	res, err := q.conn.ExecContext(ctx, `
	UPDATE offline_queue SET status = 'pending'
	WHERE status = 'in_progress'
	  AND (last_attempt_at IS NULL OR last_attempt_at < ?)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale items: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Printf("Reset %d stale in-progress item(s) to pending", n)
	}
	return int(n), nil
}

// ResolveConflict supplies a resolution for a conflicted item: the item
// re-enters pending with the resolved payload and strategy. Only items
// in conflict (or rejected, for an explicit operator retry) may be
// resolved this way.
func (q *Queue) ResolveConflict(ctx context.Context, id int64, payload model.Payload, strategy model.Strategy) error {
	encoded, err := payload.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode resolved payload: %w", err)
	}
	if !strategy.Valid() {
		strategy = model.StrategyServerWins
	}

	res, err := q.conn.ExecContext(ctx, `
	UPDATE offline_queue SET
		status = 'pending',
		payload = ?,
		conflict_strategy = ?,
		last_error = NULL
	WHERE id = ? AND status IN ('conflict', 'rejected')`,
		string(encoded), string(strategy), id)
	if err != nil {
		return fmt.Errorf("failed to resolve item %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	q.kick()
	return nil
}

// ItemByID returns a single queue item.
func (q *Queue) ItemByID(ctx context.Context, id int64) (*model.QueueItem, error) {
	row := q.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM offline_queue q WHERE q.id = ?", itemColumns), id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// ListByStatus returns all items with the given status, drain-ordered.
func (q *Queue) ListByStatus(ctx context.Context, status model.Status) ([]*model.QueueItem, error) {
	rows, err := q.conn.QueryContext(ctx, fmt.Sprintf(`
	SELECT %s FROM offline_queue q WHERE q.status = ?
	ORDER BY q.priority DESC, q.enqueued_at ASC, q.id ASC`, itemColumns),
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s items: %w", status, err)
	}
	defer rows.Close()

	var items []*model.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}

// PendingCount returns the number of pending items.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := q.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM offline_queue WHERE status = 'pending'").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return count, nil
}

// CountByStatus returns item counts grouped by status.
func (q *Queue) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := q.conn.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM offline_queue GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[model.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}

// scanItem reads one queue item in itemColumns order.
func scanItem(row interface{ Scan(...interface{}) error }) (*model.QueueItem, error) {
	var (
		item          model.QueueItem
		kind          string
		entityID      string
		action        string
		payload       string
		enqueuedAt    string
		lastAttemptAt sql.NullString
		lastError     sql.NullString
		status        string
		strategy      string
		flagged       int
	)

	err := row.Scan(
		&item.ID,
		&kind,
		&entityID,
		&action,
		&payload,
		&enqueuedAt,
		&item.Attempts,
		&lastAttemptAt,
		&lastError,
		&status,
		&strategy,
		&item.Priority,
		&flagged,
	)
	if err != nil {
		return nil, err
	}

	item.Kind = model.Kind(kind)
	item.Action = model.Action(action)
	item.Status = model.Status(status)
	item.Strategy = model.Strategy(strategy)
	item.Flagged = flagged != 0

	p, err := model.DecodePayload([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload for item %d: %w", item.ID, err)
	}
	if p.ID == "" {
		p.ID = entityID
	}
	item.Payload = p

	if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
		item.EnqueuedAt = t
	}
	if lastAttemptAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastAttemptAt.String); err == nil {
			item.LastAttemptAt = &t
		}
	}
	if lastError.Valid {
		item.LastError = lastError.String
	}
	return &item, nil
}

func nullableError(msg string) sql.NullString {
	if msg == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: msg, Valid: true}
}
