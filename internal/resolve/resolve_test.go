package resolve

import (
	"testing"
	"time"

	"github.com/coinkeep/coinkeep/internal/model"
)

func entity(id string, fields map[string]any, lastModified time.Time, serverVersion *time.Time) *model.Entity {
	return &model.Entity{
		ID:     id,
		Kind:   model.KindTransaction,
		Fields: fields,
		Meta: model.SyncMeta{
			LastModified:  lastModified,
			ServerVersion: serverVersion,
		},
	}
}

// TestResolve_ClientWins tests that client_wins returns the local version unchanged
func TestResolve_ClientWins(t *testing.T) {
	local := entity("t1", map[string]any{"amount": "50"}, time.Now(), nil)
	server := entity("t1", map[string]any{"amount": "99"}, time.Now(), nil)

	res, err := Resolve(local, server, model.StrategyClientWins, time.Now())
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Manual {
		t.Fatal("client_wins should not require manual resolution")
	}
	if res.Entity != local {
		t.Error("client_wins should return the local version")
	}
}

// TestResolve_ServerWins tests that server_wins returns the server version unchanged
func TestResolve_ServerWins(t *testing.T) {
	local := entity("t1", map[string]any{"amount": "50"}, time.Now(), nil)
	server := entity("t1", map[string]any{"amount": "99"}, time.Now(), nil)

	res, err := Resolve(local, server, model.StrategyServerWins, time.Now())
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Entity != server {
		t.Error("server_wins should return the server version")
	}
}

// TestResolve_NewestWins_LocalNewer tests that a strictly later local write wins
func TestResolve_NewestWins_LocalNewer(t *testing.T) {
	serverUpdated := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	localModified := serverUpdated.Add(time.Minute)

	local := entity("t1", map[string]any{"amount": "50"}, localModified, nil)
	server := entity("t1", map[string]any{"amount": "99"}, time.Time{}, &serverUpdated)

	res, err := Resolve(local, server, model.StrategyNewestWins, time.Now())
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Entity != local {
		t.Error("newest_wins should pick the local version when it is strictly later")
	}
}

// TestResolve_NewestWins_ServerNewer tests that a later server write wins
func TestResolve_NewestWins_ServerNewer(t *testing.T) {
	localModified := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	serverUpdated := localModified.Add(time.Minute)

	local := entity("t1", map[string]any{"amount": "50"}, localModified, nil)
	server := entity("t1", map[string]any{"amount": "99"}, time.Time{}, &serverUpdated)

	res, err := Resolve(local, server, model.StrategyNewestWins, time.Now())
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Entity != server {
		t.Error("newest_wins should pick the server version when it is later")
	}
}

// TestResolve_NewestWins_TieFavorsServer tests that simultaneous timestamps
// favor the server, the durable source of truth
func TestResolve_NewestWins_TieFavorsServer(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	local := entity("t1", map[string]any{"amount": "50"}, at, nil)
	server := entity("t1", map[string]any{"amount": "99"}, time.Time{}, &at)

	res, err := Resolve(local, server, model.StrategyNewestWins, time.Now())
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Entity != server {
		t.Error("newest_wins tie should favor the server")
	}
}

// TestResolve_Merge tests that merge overlays local fields onto the server
// base while preserving server-only fields and the creation timestamp
func TestResolve_Merge(t *testing.T) {
	now := time.Date(2024, 6, 2, 9, 30, 0, 0, time.UTC)

	local := entity("t1", map[string]any{"a": 9, "c": 3}, time.Now(), nil)
	server := entity("t1", map[string]any{"a": 1, "b": 2, "created_at": "2024-01-01T00:00:00Z"}, time.Time{}, nil)

	res, err := Resolve(local, server, model.StrategyMerge, now)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}

	merged := res.Entity
	if merged.Fields["a"] != 9 {
		t.Errorf("a = %v, want local overlay 9", merged.Fields["a"])
	}
	if merged.Fields["b"] != 2 {
		t.Errorf("b = %v, want server-only value 2", merged.Fields["b"])
	}
	if merged.Fields["c"] != 3 {
		t.Errorf("c = %v, want local-only value 3", merged.Fields["c"])
	}
	if merged.Fields["created_at"] != "2024-01-01T00:00:00Z" {
		t.Errorf("created_at = %v, want the server's creation timestamp", merged.Fields["created_at"])
	}
	if merged.Fields["updated_at"] != now.Format(time.RFC3339) {
		t.Errorf("updated_at = %v, want %s", merged.Fields["updated_at"], now.Format(time.RFC3339))
	}
}

// TestResolve_Merge_DoesNotMutateServer tests that merge builds a fresh field
// map rather than mutating either input
func TestResolve_Merge_DoesNotMutateServer(t *testing.T) {
	local := entity("t1", map[string]any{"a": 9}, time.Now(), nil)
	server := entity("t1", map[string]any{"a": 1}, time.Time{}, nil)

	if _, err := Resolve(local, server, model.StrategyMerge, time.Now()); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if server.Fields["a"] != 1 {
		t.Error("merge mutated the server entity")
	}
	if local.Fields["a"] != 9 {
		t.Error("merge mutated the local entity")
	}
}

// TestResolve_Manual tests that manual carries both versions and picks neither
func TestResolve_Manual(t *testing.T) {
	local := entity("t1", map[string]any{"amount": "50"}, time.Now(), nil)
	server := entity("t1", map[string]any{"amount": "99"}, time.Now(), nil)

	res, err := Resolve(local, server, model.StrategyManual, time.Now())
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if !res.Manual {
		t.Fatal("manual strategy should require manual resolution")
	}
	if res.Entity != nil {
		t.Error("manual resolution should not pick a side")
	}
	if res.Local != local || res.Server != server {
		t.Error("manual resolution should carry both versions")
	}
}

// TestResolve_UnknownStrategy tests rejection of unknown strategies
func TestResolve_UnknownStrategy(t *testing.T) {
	local := entity("t1", nil, time.Now(), nil)
	server := entity("t1", nil, time.Now(), nil)

	if _, err := Resolve(local, server, model.Strategy("coin_flip"), time.Now()); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

// TestResolve_MissingVersion tests that both sides are required
func TestResolve_MissingVersion(t *testing.T) {
	if _, err := Resolve(nil, entity("t1", nil, time.Now(), nil), model.StrategyServerWins, time.Now()); err == nil {
		t.Error("expected error for nil local version")
	}
	if _, err := Resolve(entity("t1", nil, time.Now(), nil), nil, model.StrategyServerWins, time.Now()); err == nil {
		t.Error("expected error for nil server version")
	}
}
