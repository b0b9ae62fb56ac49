package dashboard

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/syncer"
)

// Handler turns coordinator and monitor events into dashboard messages.
// It satisfies syncer.Notifier.
type Handler struct {
	server *Server
	logger *slog.Logger

	mu    sync.Mutex
	stats QueueStatsData
}

var _ syncer.Notifier = (*Handler)(nil)

// NewHandler creates a handler broadcasting on server. New clients are
// greeted with the latest queue statistics.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		server: server,
		logger: logger,
		stats:  QueueStatsData{ByStatus: make(map[string]int)},
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// SyncStateChanged implements syncer.Notifier.
func (h *Handler) SyncStateChanged(s syncer.State) {
	h.send(MessageTypeSyncState, SyncStateData{State: s.String()})
}

// SyncCompleted implements syncer.Notifier.
func (h *Handler) SyncCompleted(res *syncer.Result) {
	h.send(MessageTypeSyncComplete, SyncCompleteData{
		Trigger:    string(res.Trigger),
		Outcome:    string(res.Outcome),
		SkipReason: res.SkipReason,
		Pushed:     res.Pushed,
		Synced:     res.Synced,
		Failed:     res.Failed,
		Retried:    res.Retried,
		Pulled:     res.Pulled,
		Deleted:    res.Deleted,
		Conflicts:  res.Conflicts,
		Duration:   res.Duration,
		Watermark:  res.Watermark,
	})

	collections := make([]schema.Collection, 0, len(res.Changed))
	for c := range res.Changed {
		collections = append(collections, c)
	}
	sort.Slice(collections, func(i, j int) bool { return collections[i] < collections[j] })
	for _, c := range collections {
		h.send(MessageTypeEntityUpdate, EntityUpdateData{Collection: string(c), IDs: res.Changed[c]})
	}

	if res.Queue != nil {
		h.UpdateQueue(res.Queue)
	}
}

// ConnectivityChanged broadcasts a monitor transition. Usable as a
// connectivity.WithStateObserver callback.
func (h *Handler) ConnectivityChanged(online bool) {
	h.send(MessageTypeConnectivity, ConnectivityData{Online: online})
}

// UpdateQueue replaces the queue statistics and broadcasts them.
func (h *Handler) UpdateQueue(counts map[queue.Status]int) {
	h.mu.Lock()
	h.stats = QueueStatsData{ByStatus: make(map[string]int, len(counts))}
	for status, n := range counts {
		h.stats.ByStatus[string(status)] = n
		h.stats.Total += n
	}
	h.mu.Unlock()

	h.server.Broadcast(h.statsMessage())
}

// Stats returns the latest queue statistics.
func (h *Handler) Stats() QueueStatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := QueueStatsData{Total: h.stats.Total, ByStatus: make(map[string]int, len(h.stats.ByStatus))}
	for k, v := range h.stats.ByStatus {
		out.ByStatus[k] = v
	}
	return out
}

func (h *Handler) statsMessage() Message {
	data, err := json.Marshal(h.Stats())
	if err != nil {
		h.logger.Error("failed to marshal queue stats", "error", err)
	}
	return Message{Type: MessageTypeQueueStats, Timestamp: time.Now(), Data: data}
}

func (h *Handler) send(t MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal dashboard message", "type", t, "error", err)
		return
	}
	h.server.Broadcast(Message{Type: t, Timestamp: time.Now(), Data: data})
}
