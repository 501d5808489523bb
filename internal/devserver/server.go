// Package devserver implements a local stand-in for the couples-chat
// backend: the room WebSocket endpoint plus the handful of room REST routes
// the client touches. It exists for development against no network and for
// integration tests; it is not the production backend.
package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// aiGreeting is the canned counselor reply to an ai_message frame.
const aiGreeting = "안녕하세요! AI 상담사입니다. 어떤 도움이 필요하신가요?"

// Frame mirrors the backend's wire envelope in both directions.
type Frame struct {
	Type      string  `json:"type"`
	Content   string  `json:"content,omitempty"`
	UserID    string  `json:"user_id,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
	SessionID int     `json:"session_id,omitempty"`
	Messages  []Frame `json:"messages,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type roomRecord struct {
	ID        string
	Name      string
	CoupleID  int
	CreatedAt time.Time
}

// Server is the stub backend. The zero value is not usable; call New.
type Server struct {
	rooms *RoomManager

	mu       sync.Mutex
	history  map[string][]Frame
	received map[string][]Frame
	records  map[string]roomRecord // keyed by room id
	nextRoom int
}

// New creates a stub backend with no rooms.
func New() *Server {
	return &Server{
		rooms:    NewRoomManager(),
		history:  make(map[string][]Frame),
		received: make(map[string][]Frame),
		records:  make(map[string]roomRecord),
	}
}

// Router assembles the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(corsAllowAll)

	r.Post("/api/rooms", s.handleCreateRoom)
	r.Get("/api/rooms/couple/{coupleID}", s.handleGetCoupleRoom)
	r.Get("/api/sessions/ws/{roomID}", s.handleWS)

	return r
}

// corsAllowAll is all a development stub needs; the production backend
// negotiates origins for real.
func corsAllowAll(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeResponse writes a JSON response with the given status code.
func writeResponse(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeResponse(w, status, map[string]string{"error": message})
}

type createRoomRequest struct {
	UserID   json.Number `json:"user_id"`
	RoomName string      `json:"room_name"`
	CoupleID int         `json:"couple_id"`
}

type roomResponse struct {
	RoomID     string    `json:"room_id"`
	RoomName   string    `json:"room_name"`
	CreatedAt  time.Time `json:"created_at"`
	IsExisting bool      `json:"is_existing"`
}

// handleCreateRoom creates a couple's room or returns the existing one.
func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CoupleID == 0 {
		writeError(w, http.StatusBadRequest, "couple_id is required")
		return
	}

	s.mu.Lock()
	for _, rec := range s.records {
		if rec.CoupleID == req.CoupleID {
			s.mu.Unlock()
			writeResponse(w, http.StatusOK, roomResponse{
				RoomID:     rec.ID,
				RoomName:   rec.Name,
				CreatedAt:  rec.CreatedAt,
				IsExisting: true,
			})
			return
		}
	}
	s.nextRoom++
	rec := roomRecord{
		ID:        strconv.Itoa(s.nextRoom),
		Name:      req.RoomName,
		CoupleID:  req.CoupleID,
		CreatedAt: time.Now(),
	}
	if rec.Name == "" {
		rec.Name = fmt.Sprintf("커플 채팅방 %s", rec.ID)
	}
	s.records[rec.ID] = rec
	s.mu.Unlock()

	slog.Info("Room created", "room_id", rec.ID, "couple_id", rec.CoupleID)
	writeResponse(w, http.StatusCreated, roomResponse{
		RoomID:    rec.ID,
		RoomName:  rec.Name,
		CreatedAt: rec.CreatedAt,
	})
}

// handleGetCoupleRoom looks a room up by couple id; 404 when the couple has
// no room yet.
func (s *Server) handleGetCoupleRoom(w http.ResponseWriter, r *http.Request) {
	coupleID, err := strconv.Atoi(chi.URLParam(r, "coupleID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid couple id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.CoupleID == coupleID {
			writeResponse(w, http.StatusOK, roomResponse{
				RoomID:     rec.ID,
				RoomName:   rec.Name,
				CreatedAt:  rec.CreatedAt,
				IsExisting: true,
			})
			return
		}
	}
	writeError(w, http.StatusNotFound, "room not found")
}

// handleWS upgrades a room session. The token query parameter is required
// but not verified beyond presence; this is a development stub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if r.URL.Query().Get("token") == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "room_id", roomID)
		return
	}
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "session ended")
	}()

	s.rooms.Register(roomID, ws)
	defer s.rooms.Unregister(roomID, ws)

	// Replay the room's history so a rejoining client catches up.
	s.mu.Lock()
	replay := Frame{Type: "chat_history", Messages: append([]Frame(nil), s.history[roomID]...)}
	s.mu.Unlock()
	if replay.Messages == nil {
		replay.Messages = []Frame{}
	}
	if err := s.writeFrame(ws, replay); err != nil {
		slog.Debug("Failed to replay history", "room_id", roomID, "error", err)
		return
	}

	s.readLoop(ws, roomID)
}

func (s *Server) readLoop(ws *websocket.Conn, roomID string) {
	ctx := context.Background()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("Room WebSocket closed by client", "room_id", roomID)
			} else {
				slog.Warn("Room WebSocket read error", "room_id", roomID, "error", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.writeErrFrame(ws, "malformed frame")
			continue
		}

		s.mu.Lock()
		s.received[roomID] = append(s.received[roomID], f)
		s.mu.Unlock()

		switch f.Type {
		case "ping":
			if err := s.writeFrame(ws, Frame{Type: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "room_id", roomID, "error", err)
			}
		case "message":
			s.appendAndBroadcast(roomID, stamp(f))
		case "ai_message":
			s.appendAndBroadcast(roomID, stamp(Frame{
				Type:    "message",
				Content: f.Content,
				UserID:  f.UserID,
			}))
			s.appendAndBroadcast(roomID, stamp(Frame{
				Type:    "message",
				Content: aiGreeting,
				UserID:  "AI",
			}))
		case "response":
			s.rooms.Broadcast(roomID, stamp(Frame{
				Type:      "session",
				Content:   fmt.Sprintf("응답이 기록되었습니다: %s", f.Content),
				SessionID: f.SessionID,
			}))
		default:
			s.writeErrFrame(ws, fmt.Sprintf("unsupported frame type %q", f.Type))
		}
	}
}

func (s *Server) appendAndBroadcast(roomID string, f Frame) {
	s.mu.Lock()
	s.history[roomID] = append(s.history[roomID], f)
	s.mu.Unlock()
	s.rooms.Broadcast(roomID, f)
}

func (s *Server) writeFrame(ws *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}

func (s *Server) writeErrFrame(ws *websocket.Conn, msg string) {
	if err := s.writeFrame(ws, Frame{Type: "error", Error: msg}); err != nil {
		slog.Debug("Failed to send error frame", "error", err)
	}
}

func stamp(f Frame) Frame {
	if f.Timestamp == "" {
		f.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return f
}

// Broadcast pushes an arbitrary frame to every connection in a room. Tests
// use it to inject server-originated frames.
func (s *Server) Broadcast(roomID string, f Frame) {
	s.rooms.Broadcast(roomID, f)
}

// KickAll force-closes a room's connections with the given status code.
func (s *Server) KickAll(roomID string, code websocket.StatusCode, reason string) {
	s.rooms.KickAll(roomID, code, reason)
}

// AcceptedConnections reports how many WebSocket sessions a room has ever
// accepted.
func (s *Server) AcceptedConnections(roomID string) int {
	return s.rooms.Accepted(roomID)
}

// ReceivedFrames returns a copy of every frame clients have sent to a room.
func (s *Server) ReceivedFrames(roomID string) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.received[roomID]...)
}
