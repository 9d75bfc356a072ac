package daemon

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coinkeep/coinkeep/internal/api"
	"github.com/coinkeep/coinkeep/internal/connectivity"
	"github.com/coinkeep/coinkeep/internal/model"
	"github.com/coinkeep/coinkeep/internal/queue"
	"github.com/coinkeep/coinkeep/internal/refresh"
	"github.com/coinkeep/coinkeep/internal/store"
	"github.com/coinkeep/coinkeep/internal/syncer"
)

// TestKick_CreatesAndTouchesFile tests the cross-process drain request
func TestKick_CreatesAndTouchesFile(t *testing.T) {
	dir := t.TempDir()

	if err := Kick(dir); err != nil {
		t.Fatalf("Kick() failed: %v", err)
	}
	path := filepath.Join(dir, KickFileName)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("kick file not created: %v", err)
	}
	first := info.ModTime()

	time.Sleep(10 * time.Millisecond)
	if err := Kick(dir); err != nil {
		t.Fatalf("second Kick() failed: %v", err)
	}
	info, err = os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if !info.ModTime().After(first) {
		t.Error("second kick did not advance the mtime")
	}
}

func testDaemon(t *testing.T, conn connectivity.Provider) (*Daemon, *store.Store, *queue.Queue, string) {
	t.Helper()

	dataDir := t.TempDir()
	st, err := store.Open(filepath.Join(dataDir, "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true, "data": []}`))
	}))
	t.Cleanup(srv.Close)

	logger := log.New(io.Discard, "", 0)
	q := queue.New(st.RawDB(), logger)
	client := api.New(srv.URL, nil, srv.Client(), logger)
	engine := syncer.New(st, q, client, conn, &syncer.Config{
		BatchSize:    10,
		MaxPasses:    5,
		StaleTimeout: time.Minute,
		Logger:       logger,
	}, nil)
	policy := refresh.New(st, client, 5*time.Minute, logger)

	d, err := New(st, q, engine, policy, conn, dataDir, &Config{
		SyncInterval:     time.Minute,
		RefreshInterval:  time.Minute,
		DebounceInterval: 20 * time.Millisecond,
		StaleTimeout:     time.Minute,
		Logger:           logger,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return d, st, q, dataDir
}

// TestNew_RequiresCollaborators tests constructor validation
func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(nil, nil, nil, nil, nil, "", nil); err == nil {
		t.Error("New() with nil collaborators succeeded")
	}
}

// TestDaemon_StartupSweepAndDrain tests that starting the daemon
// recovers stale in-progress items and drains the backlog
func TestDaemon_StartupSweepAndDrain(t *testing.T) {
	conn := connectivity.NewManual(true)
	d, st, q, _ := testDaemon(t, conn)
	ctx := context.Background()

	// A delete left in_progress by a "crashed" previous run.
	if err := st.Put(ctx, model.KindTransaction, &model.Entity{
		ID:     "t1",
		Kind:   model.KindTransaction,
		Fields: map[string]any{"amount": "10.00"},
		Meta:   model.SyncMeta{PendingAction: model.PendingDelete},
	}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	id, err := q.Enqueue(ctx, model.KindTransaction, model.ActionDelete,
		model.Payload{ID: "t1"}, model.StrategyServerWins)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := q.MarkStatus(ctx, id, model.StatusInProgress, ""); err != nil {
		t.Fatalf("MarkStatus() failed: %v", err)
	}
	// Sweep the stuck item back to pending, as the startup sweep would
	// once the stale timeout elapsed.
	if _, err := q.ResetStaleInProgress(ctx, 0); err != nil {
		t.Fatalf("ResetStaleInProgress() failed: %v", err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(runCtx) }()

	// The startup drain removes the recovered item.
	deadline := time.After(5 * time.Second)
	for {
		if _, err := q.ItemByID(ctx, id); err != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("recovered item not drained")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancelRun()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

// TestDaemon_KickFileTriggersDrain tests the kick-file trigger path
func TestDaemon_KickFileTriggersDrain(t *testing.T) {
	conn := connectivity.NewManual(true)
	d, _, q, dataDir := testDaemon(t, conn)
	ctx := context.Background()

	runCtx, cancelRun := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(runCtx) }()
	defer func() {
		cancelRun()
		<-done
	}()

	// Let the startup drain settle before enqueueing.
	time.Sleep(100 * time.Millisecond)

	if _, err := q.Enqueue(ctx, model.KindAccount, model.ActionDelete,
		model.Payload{ID: "a1"}, model.StrategyServerWins); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := Kick(dataDir); err != nil {
		t.Fatalf("Kick() failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		count, err := q.PendingCount(ctx)
		if err != nil {
			t.Fatalf("PendingCount() failed: %v", err)
		}
		if count == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("kick did not trigger a drain")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// TestDaemon_PersistsConnectivity tests that transitions land in app
// state for the CLI to report
func TestDaemon_PersistsConnectivity(t *testing.T) {
	conn := connectivity.NewManual(true)
	d, st, _, _ := testDaemon(t, conn)
	ctx := context.Background()

	runCtx, cancelRun := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(runCtx) }()
	defer func() {
		cancelRun()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	for {
		value, err := st.AppState(ctx, store.AppStateConnectivity)
		if err == nil && value == "online" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("connectivity flag not persisted")
		case <-time.After(20 * time.Millisecond):
		}
	}

	conn.SetOnline(false)
	deadline = time.After(5 * time.Second)
	for {
		value, err := st.AppState(ctx, store.AppStateConnectivity)
		if err == nil && value == "offline" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("offline transition not persisted")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
