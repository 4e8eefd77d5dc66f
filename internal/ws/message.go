package ws

import "time"

type EventType string

const (
	EventChatMessage  EventType = "chat_message"
	EventOnlineStatus EventType = "online_status_update"
	EventNewMessage   EventType = "new_message"
	EventError        EventType = "error"
)

// Close codes distinguish why a session was terminated so clients can
// branch (re-auth vs "user not found" vs retry).
const (
	CloseUnauthorized = 4001
	ClosePeerNotFound = 4004
	CloseInternal     = 4011
)

// InboundFrame is what the client sends over the socket.
type InboundFrame struct {
	Message string `json:"message"`
}

// ChatMessageFrame delivers a stored message to every subscriber of the
// conversation group, the sender's own echo included. The ciphertext is
// the base64 transport encoding; clients decrypt locally or via the
// decrypt endpoint.
type ChatMessageFrame struct {
	Type       EventType `json:"type"`
	MessageID  int64     `json:"message_id"`
	Ciphertext string    `json:"ciphertext"`
	Sender     string    `json:"sender"`
	Timestamp  time.Time `json:"timestamp"`
}

// OnlineStatusFrame is broadcast to a conversation group when a
// participant's presence changes.
type OnlineStatusFrame struct {
	Type     EventType `json:"type"`
	UserID   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
}

// NewMessageAlertFrame goes to the receiver's user group when a message
// arrives while they are not bound to that conversation.
type NewMessageAlertFrame struct {
	Type      EventType `json:"type"`
	MessageID int64     `json:"message_id"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorFrame reports a per-message failure to the offending session only.
// The connection stays open.
type ErrorFrame struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

func errorFrame(msg string) ErrorFrame {
	return ErrorFrame{Type: EventError, Message: msg}
}
