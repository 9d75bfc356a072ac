package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coinkeep/coinkeep/internal/model"
	"github.com/coinkeep/coinkeep/internal/syncer"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{
		Port:   0, // Use random available port
		Logger: log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	// Give server time to start
	time.Sleep(100 * time.Millisecond)
	return server
}

func dialClient(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	// Read welcome message
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("Failed to read welcome message: %v", err)
	}
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := startServer(t)
	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	numClients := 3
	for i := 0; i < numClients; i++ {
		dialClient(t, ctx, server)
	}

	if count := server.ClientCount(); count != numClients {
		t.Errorf("Expected %d clients, got %d", numClients, count)
	}
}

func TestHandlerSyncLifecycle(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialClient(t, ctx, server)

	handler.SyncStarted()

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncStarted {
		t.Errorf("Expected message type %s, got %s", MessageTypeSyncStarted, msg.Type)
	}

	result := syncer.Result{
		Passes:     2,
		Completed:  5,
		Failed:     1,
		Conflicted: 1,
		Rejected:   0,
		Duration:   3 * time.Second,
	}
	handler.SyncComplete(result)

	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Errorf("Expected message type %s, got %s", MessageTypeSyncComplete, msg.Type)
	}

	var data SyncCompleteData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal sync data: %v", err)
	}
	if data.Completed != 5 || data.Failed != 1 || data.Conflicted != 1 || data.Passes != 2 {
		t.Errorf("Sync data mismatch: %+v", data)
	}
}

func TestHandlerConflictFound(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialClient(t, ctx, server)

	handler.ConflictFound(&model.QueueItem{
		ID:      42,
		Kind:    model.KindTransaction,
		Action:  model.ActionUpdate,
		Payload: model.Payload{ID: "t1"},
	})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeConflictFound {
		t.Errorf("Expected message type %s, got %s", MessageTypeConflictFound, msg.Type)
	}

	var data ConflictFoundData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal conflict data: %v", err)
	}
	if data.ItemID != 42 || data.EntityID != "t1" || data.Action != "update" {
		t.Errorf("Conflict data mismatch: %+v", data)
	}
}

func TestHandlerQueueStats(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialClient(t, ctx, server)

	handler.QueueStats(map[model.Status]int{
		model.StatusPending: 4,
		model.StatusFailed:  2,
	}, 1)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeQueueStats {
		t.Errorf("Expected message type %s, got %s", MessageTypeQueueStats, msg.Type)
	}

	var data QueueStatsData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal stats data: %v", err)
	}
	if data.Pending != 4 || data.Flagged != 1 || data.ByStatus["failed"] != 2 {
		t.Errorf("Stats data mismatch: %+v", data)
	}
}

func TestHandlerConnectivityChanged(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialClient(t, ctx, server)

	handler.ConnectivityChanged(false)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeConnectivity {
		t.Errorf("Expected message type %s, got %s", MessageTypeConnectivity, msg.Type)
	}

	var data ConnectivityData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal connectivity data: %v", err)
	}
	if data.Online {
		t.Error("Expected offline transition")
	}
}
