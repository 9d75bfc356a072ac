package refresh

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coinkeep/coinkeep/internal/api"
	"github.com/coinkeep/coinkeep/internal/model"
	"github.com/coinkeep/coinkeep/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return st
}

func testPolicy(t *testing.T, st *store.Store, handler http.HandlerFunc) *Policy {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := log.New(io.Discard, "", 0)
	return New(st, api.New(srv.URL, nil, srv.Client(), logger), 5*time.Minute, logger)
}

// TestShouldRefresh_WatermarkAging tests the staleness decision
func TestShouldRefresh_WatermarkAging(t *testing.T) {
	st := testStore(t)
	p := testPolicy(t, st, func(w http.ResponseWriter, r *http.Request) {})
	ctx := context.Background()

	// Never refreshed: always stale.
	stale, err := p.ShouldRefresh(ctx, model.KindTransaction)
	if err != nil {
		t.Fatalf("ShouldRefresh() failed: %v", err)
	}
	if !stale {
		t.Error("collection with no watermark reported fresh")
	}

	// Fresh watermark.
	if err := st.SetWatermark(ctx, model.KindTransaction, time.Now()); err != nil {
		t.Fatalf("SetWatermark() failed: %v", err)
	}
	stale, err = p.ShouldRefresh(ctx, model.KindTransaction)
	if err != nil {
		t.Fatalf("ShouldRefresh() failed: %v", err)
	}
	if stale {
		t.Error("just-refreshed collection reported stale")
	}

	// Aged-out watermark.
	if err := st.SetWatermark(ctx, model.KindTransaction, time.Now().Add(-10*time.Minute)); err != nil {
		t.Fatalf("SetWatermark() failed: %v", err)
	}
	stale, err = p.ShouldRefresh(ctx, model.KindTransaction)
	if err != nil {
		t.Fatalf("ShouldRefresh() failed: %v", err)
	}
	if !stale {
		t.Error("aged watermark reported fresh")
	}
}

// TestRefresh_MergesAndAdvancesWatermark tests the happy refresh path
func TestRefresh_MergesAndAdvancesWatermark(t *testing.T) {
	st := testStore(t)
	p := testPolicy(t, st, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true, "data": [
			{"id": "t1", "amount": "10.00", "updated_at": "2026-08-20T09:00:00Z"},
			{"id": "t2", "amount": "20.00", "updated_at": "2026-08-20T10:00:00Z"}
		]}`))
	})
	ctx := context.Background()

	if err := p.Refresh(ctx, model.KindTransaction); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	list, err := st.List(ctx, model.KindTransaction, store.ListFilter{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("cached %d entities, want 2", len(list))
	}
	for _, e := range list {
		if !e.Meta.Synced || e.Meta.ServerVersion == nil {
			t.Errorf("entity %s meta = %+v, want synced with version token", e.ID, e.Meta)
		}
	}

	watermark, err := st.Watermark(ctx, model.KindTransaction)
	if err != nil {
		t.Fatalf("Watermark() failed: %v", err)
	}
	if watermark.IsZero() {
		t.Error("watermark not advanced after refresh")
	}
}

// TestRefresh_PreservesPendingEdits tests that a background refresh
// never clobbers an unsynced local mutation
func TestRefresh_PreservesPendingEdits(t *testing.T) {
	st := testStore(t)
	p := testPolicy(t, st, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true, "data": [
			{"id": "t1", "amount": "99.00", "profile_id": 7, "updated_at": "2026-08-20T09:00:00Z"}
		]}`))
	})
	ctx := context.Background()

	pending := &model.Entity{
		ID:     "t1",
		Kind:   model.KindTransaction,
		Fields: map[string]any{"amount": "55.00", "profile_id": float64(7)},
		Meta:   model.SyncMeta{PendingAction: model.PendingUpdate},
	}
	if err := st.Put(ctx, model.KindTransaction, pending); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	if err := p.Refresh(ctx, model.KindTransaction); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	got, err := st.Get(ctx, model.KindTransaction, "t1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Fields["amount"] != "55.00" {
		t.Errorf("amount = %v, refresh clobbered a pending edit", got.Fields["amount"])
	}
	if got.Meta.PendingAction != model.PendingUpdate {
		t.Errorf("pending action = %s, want update preserved", got.Meta.PendingAction)
	}
}

// TestList_ServesStaleCacheOnFailure tests the offline read path: a
// failed refresh is logged, not surfaced
func TestList_ServesStaleCacheOnFailure(t *testing.T) {
	st := testStore(t)
	p := testPolicy(t, st, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	ctx := context.Background()

	cached := &model.Entity{
		ID:     "t1",
		Kind:   model.KindTransaction,
		Fields: map[string]any{"amount": "10.00"},
		Meta:   model.SyncMeta{Synced: true},
	}
	if err := st.Put(ctx, model.KindTransaction, cached); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	list, err := p.List(ctx, model.KindTransaction, store.ListFilter{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != "t1" {
		t.Fatalf("stale cache not served: %v", list)
	}

	// The failed refresh must not advance the watermark.
	watermark, err := st.Watermark(ctx, model.KindTransaction)
	if err != nil {
		t.Fatalf("Watermark() failed: %v", err)
	}
	if !watermark.IsZero() {
		t.Error("watermark advanced despite failed refresh")
	}
}

// TestList_SkipsRefreshWhenFresh tests that fresh reads never hit the
// network
func TestList_SkipsRefreshWhenFresh(t *testing.T) {
	st := testStore(t)
	calls := 0
	p := testPolicy(t, st, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"success": true, "data": []}`))
	})
	ctx := context.Background()

	if err := st.SetWatermark(ctx, model.KindTransaction, time.Now()); err != nil {
		t.Fatalf("SetWatermark() failed: %v", err)
	}

	if _, err := p.List(ctx, model.KindTransaction, store.ListFilter{}); err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if calls != 0 {
		t.Errorf("fresh read hit the server %d times", calls)
	}
}
