package chat

import (
	"time"

	"github.com/google/uuid"
)

// MessageType represents the type of chat message
type MessageType string

const (
	MessageTypeText   MessageType = "text"   // typed by a person
	MessageTypeSystem MessageType = "system" // connection notices
)

// Message is one entry of a chat with a remote peer.
type Message struct {
	ID        string      `json:"id"`
	PeerID    string      `json:"peer_id"`   // the conversation it belongs to
	SenderID  string      `json:"sender_id"` // empty for system messages
	Content   string      `json:"content"`
	Timestamp int64       `json:"timestamp"` // unix milliseconds
	Type      MessageType `json:"type"`
}

// Outgoing reports whether the local peer wrote m.
func (m *Message) Outgoing() bool {
	return m.Type == MessageTypeText && m.SenderID != m.PeerID
}

func newMessage(peerID, senderID, content string, typ MessageType) *Message {
	return &Message{
		ID:        uuid.NewString(),
		PeerID:    peerID,
		SenderID:  senderID,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		Type:      typ,
	}
}
