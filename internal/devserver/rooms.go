package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// RoomManager tracks the live WebSocket connections attached to each room.
type RoomManager struct {
	mu       sync.RWMutex
	active   map[string]map[*websocket.Conn]struct{}
	accepted map[string]int
}

// NewRoomManager creates an empty room registry.
func NewRoomManager() *RoomManager {
	return &RoomManager{
		active:   make(map[string]map[*websocket.Conn]struct{}),
		accepted: make(map[string]int),
	}
}

// Register adds a connection to a room.
func (m *RoomManager) Register(roomID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[roomID]; !exists {
		m.active[roomID] = make(map[*websocket.Conn]struct{})
	}
	m.active[roomID][conn] = struct{}{}
	m.accepted[roomID]++
	slog.Info("Room connection registered", "room_id", roomID, "conns", len(m.active[roomID]))
}

// Unregister removes a connection from a room.
func (m *RoomManager) Unregister(roomID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.active[roomID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(m.active, roomID)
		}
		slog.Info("Room connection unregistered", "room_id", roomID)
	}
}

// Broadcast writes a frame to every connection in a room.
func (m *RoomManager) Broadcast(roomID string, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("Failed to encode broadcast frame", "room_id", roomID, "error", err)
		return
	}

	m.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(m.active[roomID]))
	for conn := range m.active[roomID] {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
			slog.Debug("Broadcast write failed", "room_id", roomID, "error", err)
		}
	}
}

// KickAll closes every connection in a room with the given status code.
// Tests use abnormal codes here to exercise client recovery.
func (m *RoomManager) KickAll(roomID string, code websocket.StatusCode, reason string) {
	m.mu.Lock()
	conns := m.active[roomID]
	delete(m.active, roomID)
	m.mu.Unlock()

	for conn := range conns {
		_ = conn.Close(code, reason)
		slog.Info("Room connection kicked", "room_id", roomID, "code", code)
	}
}

// Accepted returns how many connections a room has accepted in total,
// including ones that have since closed.
func (m *RoomManager) Accepted(roomID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accepted[roomID]
}

// Live returns the number of currently attached connections for a room.
func (m *RoomManager) Live(roomID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[roomID])
}
