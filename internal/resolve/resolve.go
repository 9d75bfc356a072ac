// Package resolve implements conflict resolution between a local and a
// server version of the same entity.
//
// Resolution is pure decision logic: no storage, no network. The sync
// engine calls it when a local update's version token no longer matches
// the server's current updated_at for the entity.
package resolve

import (
	"fmt"
	"time"

	"github.com/coinkeep/coinkeep/internal/model"
)

// Resolution is the outcome of resolving one conflict.
//
// When Manual is true, no side was picked: both versions are carried so
// the caller can surface them for manual resolution, and the queue item
// must be marked conflict rather than applied.
type Resolution struct {
	// Entity is the resolved entity to submit. Nil when Manual is true.
	Entity *model.Entity

	// Manual indicates the strategy refused to auto-pick a side.
	Manual bool

	// Local and Server carry both versions for manual resolution.
	Local  *model.Entity
	Server *model.Entity
}

// Resolve produces a resolved entity from a local and a server version
// according to the strategy.
//
//   - client_wins: the local version, unchanged.
//   - server_wins: the server version, unchanged.
//   - newest_wins: whichever was written strictly later; ties favor the
//     server, since servers are the durable source of truth under
//     simultaneous timestamps.
//   - merge: the server version with every non-reserved local field
//     overlaid, updated_at set to now. This is last-write-wins per field
//     with no per-field timestamp tracking - a documented limitation,
//     not a CRDT merge.
//   - manual: no side is picked; the caller must surface both versions.
//
// now is injected so merge output is deterministic under test.
func Resolve(local, server *model.Entity, strategy model.Strategy, now time.Time) (Resolution, error) {
	if local == nil || server == nil {
		return Resolution{}, fmt.Errorf("resolve: both versions are required")
	}

	switch strategy {
	case model.StrategyClientWins:
		return Resolution{Entity: local}, nil

	case model.StrategyServerWins:
		return Resolution{Entity: server}, nil

	case model.StrategyNewestWins:
		serverUpdated := serverUpdatedAt(server)
		if local.Meta.LastModified.After(serverUpdated) {
			return Resolution{Entity: local}, nil
		}
		return Resolution{Entity: server}, nil

	case model.StrategyMerge:
		return Resolution{Entity: merge(local, server, now)}, nil

	case model.StrategyManual:
		return Resolution{Manual: true, Local: local, Server: server}, nil
	}

	return Resolution{}, fmt.Errorf("resolve: unknown strategy %q", strategy)
}

// serverUpdatedAt extracts the server's updated_at, preferring the
// version token over the field copy.
func serverUpdatedAt(server *model.Entity) time.Time {
	if server.Meta.ServerVersion != nil {
		return *server.Meta.ServerVersion
	}
	return server.TimeField("updated_at")
}

// merge starts from the server version and overlays every local domain
// field except the identifier, the creation timestamp, and the reserved
// sync-metadata names.
func merge(local, server *model.Entity, now time.Time) *model.Entity {
	fields := server.CloneFields()
	for name, value := range local.Fields {
		if model.ReservedField(name) {
			continue
		}
		fields[name] = value
	}
	fields["updated_at"] = now.UTC().Format(time.RFC3339)

	merged := &model.Entity{
		ID:     server.ID,
		Kind:   server.Kind,
		Fields: fields,
		Meta:   local.Meta,
	}
	return merged
}
