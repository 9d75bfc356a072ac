package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coinkeep/coinkeep/internal/model"
)

// AppStateConnectivity is the app_state key holding the last-known
// connectivity flag ("online" / "offline"). Persisted so that a restart
// can pick up where an offline session left off.
const AppStateConnectivity = "connectivity"

// Watermark returns the timestamp of the last successful full refresh
// for the kind, or the zero time if the collection was never refreshed.
func (st *Store) Watermark(ctx context.Context, kind model.Kind) (time.Time, error) {
	var syncedAt string
	err := st.conn.QueryRowContext(ctx,
		"SELECT synced_at FROM last_sync_watermarks WHERE entity_kind = ?",
		string(kind)).Scan(&syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark for %s: %w", kind, err)
	}

	t, err := time.Parse(time.RFC3339, syncedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed watermark for %s: %w", kind, err)
	}
	return t, nil
}

// SetWatermark records a successful full refresh for the kind.
func (st *Store) SetWatermark(ctx context.Context, kind model.Kind, at time.Time) error {
	query := `
	INSERT INTO last_sync_watermarks (entity_kind, synced_at)
	VALUES (?, ?)
	ON CONFLICT(entity_kind) DO UPDATE SET synced_at = excluded.synced_at
	`
	_, err := st.conn.ExecContext(ctx, query, string(kind), at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to set watermark for %s: %w", kind, err)
	}
	return nil
}

// AppState returns the value stored under key, or "" if unset.
func (st *Store) AppState(ctx context.Context, key string) (string, error) {
	var value string
	err := st.conn.QueryRowContext(ctx,
		"SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read app state %q: %w", key, err)
	}
	return value, nil
}

// SetAppState stores a key-value pair in app_state.
func (st *Store) SetAppState(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO app_state (key, value)
	VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	_, err := st.conn.ExecContext(ctx, query, key, value)
	if err != nil {
		return fmt.Errorf("failed to set app state %q: %w", key, err)
	}
	return nil
}
