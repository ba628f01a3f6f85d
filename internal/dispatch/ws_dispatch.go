package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/tukerank/internal/models"
	"github.com/example/tukerank/internal/observability"
)

// WSSession represents a connected driver session.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(u models.EloUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(u)
}

// WSRegistry holds live driver sessions so a driver watching their
// dashboard sees Elo changes the moment a feedback commit lands.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[driverID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[driverID] = &WSSession{conn: conn}
	observability.DriverSessions.Set(float64(len(r.sessions)))
}

// Remove drops the session only if it still owns conn. On reconnect the
// replaced connection's cleanup races the new registration; without the
// identity check it would evict the live session.
func (r *WSRegistry) Remove(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; !ok || s.conn != conn {
		return
	}
	delete(r.sessions, driverID)
	observability.DriverSessions.Set(float64(len(r.sessions)))
}

// NotifyEloChange is best effort: a driver without a live session simply
// misses the push and sees the new value on next load.
func (r *WSRegistry) NotifyEloChange(u models.EloUpdate) error {
	r.mu.RLock()
	s, ok := r.sessions[u.DriverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(u); err != nil {
		if r.logger != nil {
			r.logger.Warn("ws send failed", "driver_id", u.DriverID, "error", err)
		}
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
