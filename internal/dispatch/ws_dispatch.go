package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// WSSession is a connected caregiver app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

// WSRegistry holds one session per caregiver. A newer connection replaces
// the older one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(caregiverID string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[caregiverID]
	r.sessions[caregiverID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

// Remove drops the session only if it still belongs to conn.
func (r *WSRegistry) Remove(caregiverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[caregiverID]; ok && s.conn == conn {
		delete(r.sessions, caregiverID)
	}
}

func (r *WSRegistry) Connected() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *WSRegistry) Notify(_ context.Context, caregiverID string, ev Event) error {
	r.mu.RLock()
	s, ok := r.sessions[caregiverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(ev)
}
