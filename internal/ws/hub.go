// Package ws holds the live websocket sessions. Each session serializes its
// writes; the hub maps connection ids to sessions and implements the
// dispatcher's Notifier.
package ws

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Session is one connected client. Writes are serialized with a mutex
// because transitions and relays may notify the same socket concurrently.
type Session struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) ID() string { return s.id }

func (s *Session) Send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// ReadInbound blocks for the next inbound event frame.
func (s *Session) ReadInbound() (models.Inbound, error) {
	var in models.Inbound
	err := s.conn.ReadJSON(&in)
	return in, err
}

func (s *Session) Close() error { return s.conn.Close() }

// Hub holds all live sessions keyed by connection id.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewHub() *Hub { return &Hub{sessions: make(map[string]*Session)} }

// Add wraps an upgraded connection into a session under a fresh id.
func (h *Hub) Add(conn *websocket.Conn) *Session {
	s := &Session{id: newConnID(), conn: conn}
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	observability.WSSessions.Set(float64(h.Len()))
	return s
}

// Remove drops the session; the underlying connection is closed by the
// caller's read loop.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	delete(h.sessions, connID)
	h.mu.Unlock()
	observability.WSSessions.Set(float64(h.Len()))
}

// Send delivers an event to a connection, if it is still around.
func (h *Hub) Send(connID string, ev models.Event) error {
	h.mu.RLock()
	s, ok := h.sessions[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(ev)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }

func newConnID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
