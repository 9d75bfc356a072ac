// Package store provides the durable local entity store for coinkeep.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3) that
// caches server entities - accounts, categories, transactions - together
// with their sync bookkeeping: watermarks of the last full refresh per
// collection, an account-scoped transaction index for fast account
// reads, and a small app_state key-value table.
//
// The database runs in WAL mode so that reads may proceed while the
// sync engine writes. Offline sessions span process lifetimes, so
// everything in here is durable by design: the mutation queue (package
// queue) shares this same database file.
//
// Layout:
//   - accounts, categories, transactions: cached entities + sync metadata
//   - account_transactions_index: per-account transaction-id lists
//   - offline_queue: pending local mutations (owned by package queue)
//   - last_sync_watermarks: last successful full refresh per collection
//   - app_state: key-value, includes last-known connectivity flag
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coinkeep/coinkeep/internal/model"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned by Get when no entity with the given id is cached.
var ErrNotFound = errors.New("store: entity not found")

// Store wraps the SQLite connection with entity-cache functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before
// first use. The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(filepath.Join(dataDir, "coinkeep.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
	}

	// WAL mode lets read paths proceed while a sync pass writes.
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
// The mutation queue shares this connection so that entity writes and
// queue writes land in the same durable database.
func (st *Store) RawDB() *sql.DB {
	return st.conn
}

// Path returns the database file path.
func (st *Store) Path() string {
	return st.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (st *Store) Close() error {
	if st.conn == nil {
		return nil
	}

	if _, err := st.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := st.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	st.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (st *Store) InitSchema() error {
	return st.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (st *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Cached entity collections. Domain fields are stored as JSON in the
	-- data column; columns needed for list ordering, account-scoped reads,
	-- natural-key lookups, and the refresh-merge policy are lifted out.
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		profile_id INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL DEFAULT '{}',
		synced INTEGER NOT NULL DEFAULT 0,
		pending_action TEXT NOT NULL DEFAULT 'none',
		local_id TEXT,
		server_version TEXT,
		local_version INTEGER NOT NULL DEFAULT 0,
		last_modified TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS categories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		profile_id INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL DEFAULT '{}',
		synced INTEGER NOT NULL DEFAULT 0,
		pending_action TEXT NOT NULL DEFAULT 'none',
		local_id TEXT,
		server_version TEXT,
		local_version INTEGER NOT NULL DEFAULT 0,
		last_modified TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		profile_id INTEGER NOT NULL DEFAULT 0,
		transaction_date TEXT NOT NULL DEFAULT '',
		account_id TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL DEFAULT '0',
		data TEXT NOT NULL DEFAULT '{}',
		synced INTEGER NOT NULL DEFAULT 0,
		pending_action TEXT NOT NULL DEFAULT 'none',
		local_id TEXT,
		server_version TEXT,
		local_version INTEGER NOT NULL DEFAULT 0,
		last_modified TEXT NOT NULL
	);

	-- Per-account transaction-id lists for fast account-scoped reads.
	CREATE TABLE IF NOT EXISTS account_transactions_index (
		account_id TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		transaction_date TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (account_id, transaction_id)
	);

	-- Pending local mutations awaiting transmission (owned by package queue).
	CREATE TABLE IF NOT EXISTS offline_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		last_error TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		conflict_strategy TEXT NOT NULL DEFAULT 'server_wins',
		priority INTEGER NOT NULL DEFAULT 1,
		flagged INTEGER NOT NULL DEFAULT 0
	);

	-- Timestamp of the last successful full refresh per collection.
	CREATE TABLE IF NOT EXISTS last_sync_watermarks (
		entity_kind TEXT PRIMARY KEY,
		synced_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS app_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(transaction_date);
	CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_pending ON transactions(pending_action);
	CREATE INDEX IF NOT EXISTS idx_accounts_pending ON accounts(pending_action);
	CREATE INDEX IF NOT EXISTS idx_categories_pending ON categories(pending_action);
	CREATE INDEX IF NOT EXISTS idx_atx_date ON account_transactions_index(account_id, transaction_date);

	-- Composite index for the drain ordering contract:
	-- priority DESC, enqueued_at ASC within status = 'pending'.
	CREATE INDEX IF NOT EXISTS idx_queue_drain
	    ON offline_queue(status, priority, enqueued_at);
	CREATE INDEX IF NOT EXISTS idx_queue_entity ON offline_queue(entity_kind, entity_id);
	`

	if _, err := st.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// tableFor maps an entity kind to its table name.
func tableFor(kind model.Kind) (string, error) {
	switch kind {
	case model.KindAccount:
		return "accounts", nil
	case model.KindCategory:
		return "categories", nil
	case model.KindTransaction:
		return "transactions", nil
	}
	return "", fmt.Errorf("unknown entity kind %q", kind)
}

const entityColumns = `id, data, synced, pending_action, local_id, server_version, local_version, last_modified`

// Get returns the cached entity with the given id, or ErrNotFound.
// Point lookup only - no network access.
func (st *Store) Get(ctx context.Context, kind model.Kind, id string) (*model.Entity, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", entityColumns, table)
	row := st.conn.QueryRowContext(ctx, query, id)

	e, err := scanEntity(row, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", kind, id, err)
	}
	return e, nil
}

// ListFilter configures the List query.
type ListFilter struct {
	// AccountID restricts transactions to one account via the
	// account_transactions_index table (empty = all).
	AccountID string
	// IncludeTombstones includes entities tombstoned for deletion.
	// Default is to hide them, matching what a UI should show.
	IncludeTombstones bool
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// List returns cached entities for the kind.
//
// Transactions are ordered descending by transaction_date with insertion
// order as tie-break, mirroring the "most recent first" UI expectation.
// Accounts and categories are ordered by name.
func (st *Store) List(ctx context.Context, kind model.Kind, filter ListFilter) ([]*model.Entity, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s t", qualify(entityColumns), table)
	var args []interface{}

	if filter.AccountID != "" && kind == model.KindTransaction {
		query += ` JOIN account_transactions_index ix
			ON ix.transaction_id = t.id AND ix.account_id = ?`
		args = append(args, filter.AccountID)
	}

	if !filter.IncludeTombstones {
		query += " WHERE t.pending_action != 'delete'"
	}

	if kind == model.KindTransaction {
		query += " ORDER BY t.transaction_date DESC, t.rowid ASC"
	} else {
		query += " ORDER BY t.name ASC, t.rowid ASC"
	}

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := st.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	defer rows.Close()

	return scanEntities(rows, kind)
}

// Put upserts a single entity by identifier.
//
// The entity is written exactly as given; callers own the sync metadata
// (package ledger bumps local_version and stamps last_modified for
// UI-originated writes, the sync engine writes server-confirmed copies).
func (st *Store) Put(ctx context.Context, kind model.Kind, e *model.Entity) error {
	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertEntity(ctx, tx, kind, e); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit put: %w", err)
	}
	return nil
}

// PutAll applies a full server snapshot for a collection in one
// transaction, so a concurrent reader never observes a partial refresh.
//
// Refresh-merge policy: incoming entities replace the cached copy when
// the cached row is absent, already synced, or global/system-owned
// (profile_id = 0). A cached row with a non-none pending_action is
// preserved as-is - local wins until the outstanding mutation resolves -
// so a background refresh cannot clobber an edit that has not reached
// the server yet.
func (st *Store) PutAll(ctx context.Context, kind model.Kind, entities []*model.Entity) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	checkQuery := fmt.Sprintf(
		"SELECT pending_action, profile_id FROM %s WHERE id = ?", table)

	for _, e := range entities {
		var pending string
		var profileID int
		err := tx.QueryRowContext(ctx, checkQuery, e.ID).Scan(&pending, &profileID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// not cached yet, take the server copy
		case err != nil:
			return fmt.Errorf("failed to check existing %s %s: %w", kind, e.ID, err)
		default:
			if pending != string(model.PendingNone) && profileID != 0 {
				continue // pending local edit wins until it resolves
			}
		}

		if err := upsertEntity(ctx, tx, kind, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit refresh: %w", err)
	}
	return nil
}

// Delete physically removes an entity from the cache.
// Used after the server confirms a tombstoned delete, and to drop the
// interim record of an offline-created entity once the server assigns a
// permanent id. Idempotent.
func (st *Store) Delete(ctx context.Context, kind model.Kind, id string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}

	if kind == model.KindTransaction {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM account_transactions_index WHERE transaction_id = ?", id); err != nil {
			return fmt.Errorf("failed to unindex transaction %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// MarkSynced clears the pending action for an entity, marks it synced,
// and records the server version token.
func (st *Store) MarkSynced(ctx context.Context, kind model.Kind, id string, serverVersion time.Time) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
	UPDATE %s SET
		synced = 1,
		pending_action = 'none',
		server_version = ?
	WHERE id = ?`, table)

	res, err := st.conn.ExecContext(ctx, query, serverVersion.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to mark %s %s synced: %w", kind, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of cached entities for the kind,
// tombstones included.
func (st *Store) Count(ctx context.Context, kind model.Kind) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	var count int
	err = st.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", kind, err)
	}
	return count, nil
}

// upsertEntity writes one entity inside an open transaction, maintaining
// the account_transactions_index for transactions.
func upsertEntity(ctx context.Context, tx *sql.Tx, kind model.Kind, e *model.Entity) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	if e.ID == "" {
		return fmt.Errorf("entity has no id")
	}

	dataJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal entity fields: %w", err)
	}

	name := e.StringField("name")
	if name == "" {
		name = e.StringField("description")
	}

	lastModified := e.Meta.LastModified
	if lastModified.IsZero() {
		lastModified = time.Now()
	}

	if kind == model.KindTransaction {
		query := fmt.Sprintf(`
		INSERT INTO %s (
			id, name, profile_id, transaction_date, account_id, amount, data,
			synced, pending_action, local_id, server_version, local_version, last_modified
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			profile_id = excluded.profile_id,
			transaction_date = excluded.transaction_date,
			account_id = excluded.account_id,
			amount = excluded.amount,
			data = excluded.data,
			synced = excluded.synced,
			pending_action = excluded.pending_action,
			local_id = excluded.local_id,
			server_version = excluded.server_version,
			local_version = excluded.local_version,
			last_modified = excluded.last_modified
		`, table)

		_, err = tx.ExecContext(ctx, query,
			e.ID,
			name,
			e.ProfileID(),
			e.StringField("transaction_date"),
			e.StringField("account_id"),
			e.DecimalField("amount").String(),
			string(dataJSON),
			boolToInt(e.Meta.Synced),
			string(pendingOrNone(e.Meta.PendingAction)),
			nullableString(e.Meta.LocalID),
			timeToNullString(e.Meta.ServerVersion),
			e.Meta.LocalVersion,
			lastModified.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert %s %s: %w", kind, e.ID, err)
		}

		// Keep the account-scoped index in step with the row.
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM account_transactions_index WHERE transaction_id = ?", e.ID); err != nil {
			return fmt.Errorf("failed to reindex transaction %s: %w", e.ID, err)
		}
		if accountID := e.StringField("account_id"); accountID != "" {
			if _, err := tx.ExecContext(ctx, `
			INSERT INTO account_transactions_index (account_id, transaction_id, transaction_date)
			VALUES (?, ?, ?)`,
				accountID, e.ID, e.StringField("transaction_date")); err != nil {
				return fmt.Errorf("failed to index transaction %s: %w", e.ID, err)
			}
		}
		return nil
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (
		id, name, profile_id, data,
		synced, pending_action, local_id, server_version, local_version, last_modified
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		profile_id = excluded.profile_id,
		data = excluded.data,
		synced = excluded.synced,
		pending_action = excluded.pending_action,
		local_id = excluded.local_id,
		server_version = excluded.server_version,
		local_version = excluded.local_version,
		last_modified = excluded.last_modified
	`, table)

	_, err = tx.ExecContext(ctx, query,
		e.ID,
		name,
		e.ProfileID(),
		string(dataJSON),
		boolToInt(e.Meta.Synced),
		string(pendingOrNone(e.Meta.PendingAction)),
		nullableString(e.Meta.LocalID),
		timeToNullString(e.Meta.ServerVersion),
		e.Meta.LocalVersion,
		lastModified.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", kind, e.ID, err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEntity reads one entity row in entityColumns order.
func scanEntity(row scanner, kind model.Kind) (*model.Entity, error) {
	var (
		e             model.Entity
		dataJSON      string
		synced        int
		pending       string
		localID       sql.NullString
		serverVersion sql.NullString
		lastModified  string
	)

	err := row.Scan(
		&e.ID,
		&dataJSON,
		&synced,
		&pending,
		&localID,
		&serverVersion,
		&e.Meta.LocalVersion,
		&lastModified,
	)
	if err != nil {
		return nil, err
	}

	e.Kind = kind
	e.Meta.Synced = synced != 0
	e.Meta.PendingAction = model.PendingAction(pending)
	if localID.Valid {
		e.Meta.LocalID = localID.String
	}
	e.Meta.ServerVersion = nullStringToTime(serverVersion)
	if t, err := time.Parse(time.RFC3339, lastModified); err == nil {
		e.Meta.LastModified = t
	}

	if err := json.Unmarshal([]byte(dataJSON), &e.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity fields: %w", err)
	}
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}

	return &e, nil
}

// scanEntities reads all entity rows from a query result.
func scanEntities(rows *sql.Rows, kind model.Kind) ([]*model.Entity, error) {
	var entities []*model.Entity
	for rows.Next() {
		e, err := scanEntity(rows, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}

// qualify prefixes each column in a comma-separated list with "t.".
func qualify(columns string) string {
	out := ""
	for i, c := range splitColumns(columns) {
		if i > 0 {
			out += ", "
		}
		out += "t." + c
	}
	return out
}

func splitColumns(columns string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(columns); i++ {
		if i == len(columns) || columns[i] == ',' {
			col := columns[start:i]
			for len(col) > 0 && col[0] == ' ' {
				col = col[1:]
			}
			if col != "" {
				out = append(out, col)
			}
			start = i + 1
		}
	}
	return out
}

func pendingOrNone(p model.PendingAction) model.PendingAction {
	if p == "" {
		return model.PendingNone
	}
	return p
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeToNullString converts a time pointer to a nullable string for SQL.
// Full nanosecond precision: the stored server_version must compare
// equal to the updated_at the server reports, fractional seconds
// included, or the sync engine sees phantom version mismatches.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
