package model

import "time"

// Message is the durable record of a single encrypted message.
// ID is assigned by the database (bigserial) and is monotonically
// increasing; Ciphertext is an opaque Fernet token, never plaintext.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Ciphertext []byte    `json:"-"`
	Timestamp  time.Time `json:"timestamp"`

	Sender   *UserPublic `json:"sender,omitempty"`
	Receiver *UserPublic `json:"receiver,omitempty"`
}

// CachedMessage is the projection of a Message kept in the per-conversation
// history list. Ciphertext is base64 so the entry is transport safe.
type CachedMessage struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	Ciphertext string    `json:"ciphertext"`
	Timestamp  time.Time `json:"timestamp"`
}

// DecryptedMessage is a history entry as returned to clients.
type DecryptedMessage struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}
