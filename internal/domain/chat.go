// Package domain contains core domain types for the iMean chat client.
package domain

import (
	"time"
)

// Sender identifies who authored a chat message from the local member's
// point of view.
type Sender string

const (
	SenderUser    Sender = "user"
	SenderPartner Sender = "partner"
	SenderAI      Sender = "ai"
)

// ChatMessage is a single rendered chat line in a room.
type ChatMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Content   string    `json:"content"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatRoom represents a couple's chat room as the backend reports it.
type ChatRoom struct {
	ID        string    `json:"room_id"`
	Name      string    `json:"room_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Age returns how long ago the room was created.
// Returns 0 for rooms with an unset creation time.
func (r *ChatRoom) Age() time.Duration {
	if r.CreatedAt.IsZero() {
		return 0
	}
	age := time.Since(r.CreatedAt)
	if age < 0 {
		return 0
	}
	return age
}
