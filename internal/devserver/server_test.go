package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	backend := New()
	srv := httptest.NewServer(backend.Router())
	t.Cleanup(srv.Close)
	return backend, srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decodeRoom(t *testing.T, resp *http.Response) roomResponse {
	t.Helper()
	defer resp.Body.Close()
	var room roomResponse
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		t.Fatalf("Failed to decode room response: %v", err)
	}
	return room
}

func TestCreateRoom(t *testing.T) {
	_, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/rooms", map[string]interface{}{
		"user_id":   1,
		"room_name": "우리 방",
		"couple_id": 10,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	room := decodeRoom(t, resp)
	if room.RoomID == "" {
		t.Error("Expected a room id")
	}
	if room.RoomName != "우리 방" {
		t.Errorf("Expected requested room name, got %q", room.RoomName)
	}
	if room.IsExisting {
		t.Error("Fresh room should not be marked existing")
	}
}

func TestCreateRoom_SameCoupleReturnsExisting(t *testing.T) {
	_, srv := newTestServer(t)

	first := decodeRoom(t, postJSON(t, srv.URL+"/api/rooms", map[string]interface{}{
		"couple_id": 10,
	}))

	resp := postJSON(t, srv.URL+"/api/rooms", map[string]interface{}{
		"couple_id": 10,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for existing couple room, got %d", resp.StatusCode)
	}
	second := decodeRoom(t, resp)
	if !second.IsExisting {
		t.Error("Expected is_existing for the duplicate request")
	}
	if second.RoomID != first.RoomID {
		t.Errorf("Expected the same room id, got %s and %s", first.RoomID, second.RoomID)
	}
}

func TestCreateRoom_RequiresCoupleID(t *testing.T) {
	_, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/rooms", map[string]interface{}{
		"room_name": "이름만",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400 without couple_id, got %d", resp.StatusCode)
	}
}

func TestGetCoupleRoom(t *testing.T) {
	_, srv := newTestServer(t)

	created := decodeRoom(t, postJSON(t, srv.URL+"/api/rooms", map[string]interface{}{
		"couple_id": 10,
	}))

	resp, err := http.Get(srv.URL + "/api/rooms/couple/10")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	room := decodeRoom(t, resp)
	if room.RoomID != created.RoomID {
		t.Errorf("Expected room %s, got %s", created.RoomID, room.RoomID)
	}
}

func TestGetCoupleRoom_NotFound(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/rooms/couple/99")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for couple without a room, got %d", resp.StatusCode)
	}
}

func TestWS_RequiresToken(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/sessions/ws/room1")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", resp.StatusCode)
	}
}

func TestWS_HistoryReplayAndEcho(t *testing.T) {
	backend, srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/ws/room1?token=tok"
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	readFrame := func() Frame {
		t.Helper()
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		return f
	}
	writeFrame := func(f Frame) {
		t.Helper()
		data, err := json.Marshal(f)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	replay := readFrame()
	if replay.Type != "chat_history" {
		t.Fatalf("Expected chat_history first, got %s", replay.Type)
	}
	if replay.Messages == nil || len(replay.Messages) != 0 {
		t.Errorf("Expected empty, non-nil history, got %#v", replay.Messages)
	}

	writeFrame(Frame{Type: "message", Content: "안녕", UserID: "42"})
	echo := readFrame()
	if echo.Type != "message" || echo.Content != "안녕" {
		t.Fatalf("Unexpected echo frame: %+v", echo)
	}
	if echo.Timestamp == "" {
		t.Error("Expected the server to stamp the echoed frame")
	}

	writeFrame(Frame{Type: "ping"})
	if pong := readFrame(); pong.Type != "pong" {
		t.Errorf("Expected pong reply, got %s", pong.Type)
	}

	writeFrame(Frame{Type: "unknown-kind"})
	errFrame := readFrame()
	if errFrame.Type != "error" || !strings.Contains(errFrame.Error, "unknown-kind") {
		t.Errorf("Expected error frame naming the bad type, got %+v", errFrame)
	}

	if got := backend.AcceptedConnections("room1"); got != 1 {
		t.Errorf("Expected 1 accepted connection, got %d", got)
	}
}

func TestWS_AIMessageGetsCannedReply(t *testing.T) {
	_, srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/ws/room1?token=tok"
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	// Skip the history replay.
	if _, _, err := ws.Read(ctx); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	ask, _ := json.Marshal(Frame{Type: "ai_message", Content: "상담 요청", UserID: "42"})
	if err := ws.Write(ctx, websocket.MessageText, ask); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var got []Frame
	for i := 0; i < 2; i++ {
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		got = append(got, f)
	}

	if got[0].Content != "상담 요청" || got[0].UserID != "42" {
		t.Errorf("Expected the member's line first, got %+v", got[0])
	}
	if got[1].Content != aiGreeting || got[1].UserID != "AI" {
		t.Errorf("Expected the canned AI reply second, got %+v", got[1])
	}
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from health check, got %d", resp.StatusCode)
	}
}
