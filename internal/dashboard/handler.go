package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	tsync "github.com/beyondessential/tamanu-sync/internal/sync"
)

// StatsData summarises the runs seen since the dashboard started.
type StatsData struct {
	State         tsync.State `json:"state"`
	Phase         tsync.Phase `json:"phase,omitempty"`
	Progress      int         `json:"progress"`
	Runs          int         `json:"runs"`
	Succeeded     int         `json:"succeeded"`
	Failed        int         `json:"failed"`
	RecordErrors  int         `json:"record_errors"`
	LastSessionID string      `json:"last_session_id,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	LastFinished  time.Time   `json:"last_finished,omitempty"`
}

// Handler turns sync events into dashboard messages.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a handler broadcasting through server. New clients are
// greeted with the handler's current statistics.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{
		server: server,
		logger: logger,
		stats:  StatsData{State: tsync.StateIdle},
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// Run forwards events until the channel closes or ctx is done.
func (h *Handler) Run(ctx context.Context, events <-chan tsync.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.OnEvent(ev)
		}
	}
}

// OnEvent updates the statistics and broadcasts ev. Run outcomes are
// followed by a stats message.
func (h *Handler) OnEvent(ev tsync.Event) {
	terminal := h.record(ev)

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Printf("Failed to marshal sync event: %v", err)
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeSyncEvent, Timestamp: ev.Time, Data: data})

	if terminal {
		h.server.Broadcast(h.statsMessage())
	}
}

// record folds ev into the statistics and reports whether it ended a run.
func (h *Handler) record(ev tsync.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch ev.Type {
	case tsync.EventStarted:
		h.stats.State = tsync.StateSyncing
		h.stats.Runs++
		h.stats.Phase = ""
		h.stats.Progress = 0
	case tsync.EventPhase:
		h.stats.Phase = ev.Phase
		h.stats.Progress = 0
	case tsync.EventProgress:
		h.stats.Phase = ev.Phase
		h.stats.Progress = ev.Progress
	case tsync.EventRecordError:
		h.stats.RecordErrors++
	case tsync.EventSucceeded, tsync.EventFailed:
		h.stats.State = tsync.StateIdle
		h.stats.Phase = ""
		h.stats.LastSessionID = ev.SessionID
		h.stats.LastFinished = ev.Time
		if ev.Type == tsync.EventSucceeded {
			h.stats.Succeeded++
			h.stats.LastError = ""
		} else {
			h.stats.Failed++
			h.stats.LastError = ev.Error
			h.logger.Printf("Sync failed: %s", ev.Error)
		}
		return true
	}
	return false
}

func (h *Handler) statsMessage() Message {
	stats := h.GetStats()
	data, err := json.Marshal(stats)
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
