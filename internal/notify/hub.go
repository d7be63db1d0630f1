package notify

import (
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/gunshot.report/internal/gunshot"
)

// Hub fans event snapshots out to in-process subscribers, such as the
// live event tail served under /debug/.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]chan gunshot.Snapshot
	closed      bool
	buffer      int
}

// NewHub returns a hub whose subscribers can fall buffer snapshots behind
// before they start missing events.
func NewHub(buffer int) *Hub {
	if buffer < 0 {
		buffer = 0
	}
	return &Hub{subscribers: make(map[string]chan gunshot.Snapshot), buffer: buffer}
}

func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new subscriber. The channel is closed on
// Unsubscribe or Close.
func (h *Hub) Subscribe() (string, <-chan gunshot.Snapshot) {
	id := randomID()
	ch := make(chan gunshot.Snapshot, h.buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Notify offers s to every subscriber. A subscriber that is not keeping up
// misses the snapshot rather than blocking the engine.
func (h *Hub) Notify(s gunshot.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subscribers {
		select {
		case ch <- s:
		default:
			logf("subscriber %s is behind, dropped event %d", id, s.ID)
		}
	}
}

// Subscribers reports how many subscribers are registered.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close closes every subscriber channel. Later subscriptions receive an
// already-closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}

// ServeHTTP streams snapshots as server-sent events until the client goes
// away or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, c := h.Subscribe()
	defer h.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case s, ok := <-c:
			if !ok {
				return
			}
			payload, err := json.Marshal(s)
			if err != nil {
				logf("encode event %d: %v", s.ID, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", s.State, payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// AttachAdminRoutes serves the live event tail at /debug/events-tail.
func (h *Hub) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("events-tail", "Live stream of confirmed and refined gunshots", h)
}
