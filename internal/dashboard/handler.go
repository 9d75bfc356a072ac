// Package dashboard provides event handling and message formatting for the dashboard.
package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/coinkeep/coinkeep/internal/model"
	"github.com/coinkeep/coinkeep/internal/syncer"
)

// Handler bridges sync engine events to dashboard broadcasts. It
// implements syncer.Notifier, so wiring it into the engine is all the
// observability the UI needs.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	return &Handler{
		server: server,
		logger: logger,
	}
}

// SyncStarted implements syncer.Notifier.
func (h *Handler) SyncStarted() {
	h.server.Broadcast(Message{
		Type:      MessageTypeSyncStarted,
		Timestamp: time.Now(),
	})
}

// SyncComplete implements syncer.Notifier.
func (h *Handler) SyncComplete(result syncer.Result) {
	kinds := result.Kinds()
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, string(k))
	}

	data := SyncCompleteData{
		Kinds:      names,
		Completed:  result.Completed,
		Failed:     result.Failed,
		Conflicted: result.Conflicted,
		Rejected:   result.Rejected,
		Passes:     result.Passes,
		Duration:   result.Duration,
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal sync data: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeSyncComplete,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// ConflictFound implements syncer.Notifier.
func (h *Handler) ConflictFound(item *model.QueueItem) {
	h.logger.Printf("Conflict found: item %d (%s %s)", item.ID, item.Kind, item.Payload.ID)

	data := ConflictFoundData{
		ItemID:   item.ID,
		Kind:     string(item.Kind),
		EntityID: item.Payload.ID,
		Action:   string(item.Action),
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal conflict data: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeConflictFound,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// QueueStats broadcasts current mutation-queue statistics.
func (h *Handler) QueueStats(counts map[model.Status]int, flagged int) {
	byStatus := make(map[string]int, len(counts))
	for status, count := range counts {
		byStatus[string(status)] = count
	}

	data := QueueStatsData{
		ByStatus: byStatus,
		Pending:  counts[model.StatusPending],
		Flagged:  flagged,
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal queue stats: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeQueueStats,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// ConnectivityChanged broadcasts an online/offline transition.
func (h *Handler) ConnectivityChanged(online bool) {
	if online {
		h.logger.Println("Connectivity regained")
	} else {
		h.logger.Println("Connectivity lost")
	}

	dataJSON, err := json.Marshal(ConnectivityData{Online: online})
	if err != nil {
		h.logger.Printf("Failed to marshal connectivity data: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeConnectivity,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
