// Package chat implements the real-time connection to a couples-chat room:
// a single managed WebSocket session plus the classification of everything
// the backend sends over it.
package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/imean-app/chat-client/internal/domain"
)

// MessageType is the closed set of frame types the backend protocol defines.
type MessageType string

const (
	TypeMessage     MessageType = "message"
	TypeAIMessage   MessageType = "ai_message"
	TypeSystem      MessageType = "system"
	TypeSession     MessageType = "session"
	TypeResponse    MessageType = "response"
	TypeError       MessageType = "error"
	TypeChatHistory MessageType = "chat_history"
)

// ContinuePromptMarker is the phrase the AI counselor embeds in a system
// frame when it is asking the couple whether to continue the current topic.
// The backend sends it as free text, not a structured field, so detection
// is a substring match. If the server ever rephrases the prompt this breaks.
const ContinuePromptMarker = "계속하시겠습니까?"

// framePong is a keepalive acknowledgement, consumed by the client and
// never dispatched as a message.
const framePong = "pong"

// Valid reports whether t is a member of the closed protocol set.
func (t MessageType) Valid() bool {
	switch t {
	case TypeMessage, TypeAIMessage, TypeSystem, TypeSession,
		TypeResponse, TypeError, TypeChatHistory:
		return true
	}
	return false
}

// UserID tolerates both string and numeric JSON encodings; the backend is
// inconsistent about which one it sends.
type UserID string

// UnmarshalJSON implements json.Unmarshaler.
func (u *UserID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*u = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*u = UserID(n.String())
	return nil
}

// frame is the raw wire shape of an inbound payload before classification.
type frame struct {
	Type      string  `json:"type"`
	Content   string  `json:"content,omitempty"`
	UserID    UserID  `json:"user_id,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
	SessionID int     `json:"session_id,omitempty"`
	Messages  []frame `json:"messages,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// outboundFrame is the wire shape of everything the client sends. Every
// field but the type is optional so a heartbeat marshals to just
// {"type":"ping"}.
type outboundFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID int    `json:"session_id,omitempty"`
}

// Message is a classified inbound frame. Every message handed to a callback
// has a Type drawn from the closed set; raw or unknown shapes never escape
// the classifier.
type Message struct {
	Type      MessageType
	Content   string
	UserID    string
	Timestamp time.Time
	SessionID int
	Messages  []Message // populated for chat_history only
	Error     string
}

// Classify converts an arbitrary inbound payload into exactly one typed
// message. It never fails: malformed JSON and unrecognized types degrade to
// an error-typed message carrying a diagnostic, so the dispatch loop cannot
// crash on a bad server payload.
func Classify(data []byte) Message {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Message{
			Type:      TypeError,
			Content:   fmt.Sprintf("malformed frame: %v", err),
			Timestamp: time.Now(),
		}
	}

	t := MessageType(f.Type)
	if !t.Valid() {
		// Keep the frame's session id so the manager's cache still
		// refreshes; only the shape is degraded, not the correlation.
		return Message{
			Type:      TypeError,
			Content:   fmt.Sprintf("unhandled message type %q", f.Type),
			Timestamp: time.Now(),
			SessionID: f.SessionID,
		}
	}

	msg := Message{
		Type:      t,
		Content:   f.Content,
		UserID:    string(f.UserID),
		Timestamp: parseTimestamp(f.Timestamp),
		SessionID: f.SessionID,
		Error:     f.Error,
	}

	// Error frames sometimes carry the diagnostic in "error" instead of
	// "content"; surface it either way.
	if t == TypeError && msg.Content == "" {
		msg.Content = f.Error
	}

	if t == TypeChatHistory {
		msg.Messages = make([]Message, 0, len(f.Messages))
		for _, entry := range f.Messages {
			et := MessageType(entry.Type)
			if !et.Valid() {
				// History entries are chat lines; a missing or odd
				// type field does not invalidate the entry.
				et = TypeMessage
			}
			msg.Messages = append(msg.Messages, Message{
				Type:      et,
				Content:   entry.Content,
				UserID:    string(entry.UserID),
				Timestamp: parseTimestamp(entry.Timestamp),
				SessionID: entry.SessionID,
				Error:     entry.Error,
			})
		}
	}

	return msg
}

// isPong reports whether the payload is a keepalive acknowledgement.
func isPong(data []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Type == framePong
}

// parseTimestamp parses a wire timestamp, defaulting to now when the field
// is absent or unparseable.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Now()
}

// Sender attributes a message from the local member's point of view.
// System and error traffic renders as the AI counselor, as do the backend's
// AI author ids; the member's own id renders as the user; anything else is
// the partner.
func (m Message) Sender(memberID string) domain.Sender {
	if m.Type == TypeSystem || m.Type == TypeError || m.UserID == "AI" || m.UserID == "AI_Report" {
		return domain.SenderAI
	}
	if m.UserID != "" && memberID != "" && m.UserID == memberID {
		return domain.SenderUser
	}
	return domain.SenderPartner
}

// ChatMessage converts a classified message into a renderable chat line.
func (m Message) ChatMessage(roomID, memberID string) domain.ChatMessage {
	content := m.Content
	if content == "" {
		content = m.Error
	}
	return domain.ChatMessage{
		ID:        messageID(m),
		RoomID:    roomID,
		Content:   content,
		Sender:    m.Sender(memberID),
		Timestamp: m.Timestamp,
	}
}

func messageID(m Message) string {
	if m.SessionID != 0 {
		return fmt.Sprintf("ws_%d_%d", m.SessionID, time.Now().UnixNano())
	}
	return fmt.Sprintf("ws_%d", time.Now().UnixNano())
}

// IsContinuePrompt reports whether a system message is the counselor's
// continuation prompt.
func (m Message) IsContinuePrompt() bool {
	return m.Type == TypeSystem && strings.Contains(m.Content, ContinuePromptMarker)
}
