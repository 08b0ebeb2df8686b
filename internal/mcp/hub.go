// ABOUTME: Per-tenant registry of open push-stream sessions
// ABOUTME: Delivery is non-blocking; a full session buffer drops the message

package mcp

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// sessionBufferSize is the channel buffer for each stream session.
const sessionBufferSize = 64

// ErrSessionNotFound is returned when a message targets an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// Hub tracks stream sessions for one tenant.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]chan []byte
	closed   bool
	logger   *slog.Logger
}

// NewHub creates an empty hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[string]chan []byte),
		logger:   logger.With("component", "hub"),
	}
}

// Open registers a new session. The channel is closed when the session is
// removed or the hub shuts down. ok is false if the hub is already closed.
func (h *Hub) Open() (id string, ch <-chan []byte, ok bool) {
	id = uuid.New().String()
	c := make(chan []byte, sessionBufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", nil, false
	}
	h.sessions[id] = c

	h.logger.Debug("session opened", "session_id", id)
	return id, c, true
}

// Has reports whether a session is open.
func (h *Hub) Has(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[id]
	return ok
}

// Send queues a message for one session without blocking.
func (h *Hub) Send(id string, msg []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ch, ok := h.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}

	select {
	case ch <- msg:
	default:
		h.logger.Warn("dropped message for slow session", "session_id", id)
	}
	return nil
}

// Remove closes and forgets one session.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.sessions[id]
	if !ok {
		return
	}
	delete(h.sessions, id)
	close(ch)

	h.logger.Debug("session closed", "session_id", id)
}

// Len returns the number of open sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close shuts down the hub and closes every session channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.sessions {
		close(ch)
		delete(h.sessions, id)
	}
	h.closed = true
}
