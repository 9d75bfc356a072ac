// Package export writes the cached entity collections to JSONL and
// reads them back, for backups and for moving a cache between devices.
//
// One line per entity, each carrying the kind, identifier, domain
// fields, and enough sync metadata to restore pending offline work:
// a backup taken mid-offline-session must not lose unsent mutations.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/coinkeep/coinkeep/internal/model"
	"github.com/coinkeep/coinkeep/internal/store"
)

// Line is the JSONL record for one entity.
type Line struct {
	Kind          model.Kind     `json:"kind"`
	ID            string         `json:"id"`
	Fields        map[string]any `json:"fields"`
	Synced        bool           `json:"synced"`
	PendingAction string         `json:"pending_action,omitempty"`
	LocalID       string         `json:"local_id,omitempty"`
	ServerVersion *time.Time     `json:"server_version,omitempty"`
	LocalVersion  int            `json:"local_version,omitempty"`
	LastModified  time.Time      `json:"last_modified"`
}

// Result contains statistics about an export or import.
type Result struct {
	ByKind map[model.Kind]int
	Total  int
}

// ToJSONL writes every cached entity (tombstones included) to path.
func ToJSONL(ctx context.Context, st *store.Store, path string) (*Result, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}
	defer file.Close()

	result := &Result{ByKind: make(map[model.Kind]int)}
	encoder := json.NewEncoder(file)

	for _, kind := range model.Kinds {
		entities, err := st.List(ctx, kind, store.ListFilter{IncludeTombstones: true})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", kind, err)
		}
		for _, e := range entities {
			line := Line{
				Kind:          kind,
				ID:            e.ID,
				Fields:        e.Fields,
				Synced:        e.Meta.Synced,
				PendingAction: string(e.Meta.PendingAction),
				LocalID:       e.Meta.LocalID,
				ServerVersion: e.Meta.ServerVersion,
				LocalVersion:  e.Meta.LocalVersion,
				LastModified:  e.Meta.LastModified,
			}
			if err := encoder.Encode(line); err != nil {
				return nil, fmt.Errorf("failed to write %s %s: %w", kind, e.ID, err)
			}
			result.ByKind[kind]++
			result.Total++
		}
	}

	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to flush export file: %w", err)
	}
	return result, nil
}

// FromJSONL restores entities from path into the store. Existing rows
// with the same id are overwritten.
func FromJSONL(ctx context.Context, st *store.Store, path string) (*Result, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer file.Close()

	result := &Result{ByKind: make(map[model.Kind]int)}
	decoder := json.NewDecoder(file)
	lineNum := 0

	for {
		var line Line
		if err := decoder.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		if !line.Kind.Valid() {
			return nil, fmt.Errorf("unknown entity kind %q at line %d", line.Kind, lineNum)
		}
		if line.ID == "" {
			return nil, fmt.Errorf("entity with no id at line %d", lineNum)
		}

		pending := model.PendingAction(line.PendingAction)
		if pending == "" {
			pending = model.PendingNone
		}

		entity := &model.Entity{
			ID:     line.ID,
			Kind:   line.Kind,
			Fields: line.Fields,
			Meta: model.SyncMeta{
				Synced:        line.Synced,
				PendingAction: pending,
				LocalID:       line.LocalID,
				ServerVersion: line.ServerVersion,
				LocalVersion:  line.LocalVersion,
				LastModified:  line.LastModified,
			},
		}

		if err := st.Put(ctx, line.Kind, entity); err != nil {
			return nil, fmt.Errorf("failed to restore %s %s: %w", line.Kind, line.ID, err)
		}
		result.ByKind[line.Kind]++
		result.Total++
	}

	return result, nil
}
