package api

import (
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/banshee-data/telemetrix/internal/monitoring"
	"github.com/banshee-data/telemetrix/internal/telemetry"
)

const hubBuffer = 64

// Hub fans encoded Updates out to stream clients. A client that falls behind
// misses updates rather than blocking the pipeline. Hub is a
// telemetry.Publisher.
type Hub struct {
	mu      sync.Mutex
	clients map[string]chan []byte
	closed  bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]chan []byte)}
}

func clientID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Register adds a client. The channel is closed by Unregister or Close.
func (h *Hub) Register() (string, <-chan []byte) {
	id := clientID()
	ch := make(chan []byte, hubBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.clients[id] = ch
	return id, ch
}

// Unregister removes and closes the client registered under id.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
	}
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish encodes u once and offers it to every client.
func (h *Hub) Publish(u telemetry.Update) {
	payload, err := json.Marshal(u)
	if err != nil {
		monitoring.Logf("encode update: %v", err)
		return
	}
	h.Broadcast(payload)
}

// Broadcast offers payload to every client without blocking.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.clients {
		select {
		case ch <- payload:
		default:
			monitoring.Debugf("stream client %s is behind, dropping update", id)
		}
	}
}

// Close disconnects every client; later registrations get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
}

func (s *Server) streamUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.hub == nil {
		http.Error(w, "Streaming disabled", http.StatusNotFound)
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

	id, c := s.hub.Register()
	defer s.hub.Unregister(id)

	// Replay the latest state so a new dashboard does not wait for a frame.
	if last := s.session.Status().Last; last != nil {
		if payload, err := json.Marshal(last); err == nil {
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
	} else {
		w.Write([]byte(": ping\n\n"))
	}
	flusher.Flush()

	for {
		select {
		case payload, ok := <-c:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
