package dashboard

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/runsync/runsync/internal/replica/notify"
	"github.com/runsync/runsync/internal/replica/schema"
)

// Handler turns notifier changes into dashboard messages. Subscribe
// OnChange to the engine's notifier.
type Handler struct {
	server *Server
	logger *log.Logger

	mu   sync.Mutex
	runs map[string]RunUpdateData
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{
		server: server,
		logger: logger,
		runs:   make(map[string]RunUpdateData),
	}
}

// OnChange broadcasts one change followed by the updated stats.
func (h *Handler) OnChange(c notify.Change) {
	var data RunUpdateData
	msgType := MessageTypeRunUpdate

	h.mu.Lock()
	if c.Removed() {
		msgType = MessageTypeRunRemoved
		data = RunUpdateData{RunID: c.RunID, Action: "removed"}
		delete(h.runs, c.RunID)
	} else {
		data = Summarize(c.Run)
		h.runs[c.RunID] = data
	}
	stats := h.statsLocked()
	h.mu.Unlock()

	h.send(msgType, data)
	h.send(MessageTypeStats, stats)
}

// UpdateStats resets the tracked runs from a full list, typically the
// snapshot after a warm start, and broadcasts the stats.
func (h *Handler) UpdateStats(runs []*schema.Run) {
	h.mu.Lock()
	h.runs = make(map[string]RunUpdateData, len(runs))
	for _, r := range runs {
		h.runs[r.ID] = Summarize(r)
	}
	stats := h.statsLocked()
	h.mu.Unlock()

	h.send(MessageTypeStats, stats)
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statsLocked()
}

func (h *Handler) statsLocked() StatsData {
	st := StatsData{Runs: len(h.runs), ByStatus: make(map[string]int)}
	for _, d := range h.runs {
		st.ByStatus[statusKey(d.Status)]++
		st.Items += d.Items
		st.Done += d.ItemsDone
	}
	return st
}

func (h *Handler) send(t MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", t, err)
		return
	}
	h.server.Broadcast(Message{Type: t, Timestamp: time.Now(), Data: data})
}

// Summarize reduces a run to what viewers display.
func Summarize(run *schema.Run) RunUpdateData {
	d := RunUpdateData{
		RunID:    run.ID,
		Action:   "updated",
		Name:     run.Name(),
		Status:   run.Status(),
		Owner:    run.OwnerUserID(),
		UpdateAt: run.UpdateAt,
	}
	for _, cl := range run.OrderedChecklists() {
		d.Checklists++
		for _, item := range cl.OrderedItems() {
			if item.Deleted() {
				continue
			}
			d.Items++
			if ItemDone(item) {
				d.ItemsDone++
			}
		}
	}
	return d
}

// StatsFor computes stats over a list of runs.
func StatsFor(runs []*schema.Run) StatsData {
	st := StatsData{Runs: len(runs), ByStatus: make(map[string]int)}
	for _, r := range runs {
		d := Summarize(r)
		st.ByStatus[statusKey(d.Status)]++
		st.Items += d.Items
		st.Done += d.ItemsDone
	}
	return st
}

// ItemDone reports whether an item is closed or skipped.
func ItemDone(item *schema.Item) bool {
	switch item.State() {
	case "closed", "skipped":
		return true
	}
	return false
}

func statusKey(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
