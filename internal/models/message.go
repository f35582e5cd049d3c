package models

import "time"

// MessageStatus tracks where a message is in its delivery life.
type MessageStatus string

const (
	// StatusPending is a local send that went out but has not been echoed back yet.
	StatusPending MessageStatus = "pending"
	// StatusUnsent is a local send that could not be published.
	StatusUnsent MessageStatus = "unsent"
	// StatusConfirmed is a message seen on the broadcast stream.
	StatusConfirmed MessageStatus = "confirmed"
)

// Message represents one chat line in a room transcript.
type Message struct {
	ID          string        `db:"id" json:"id"`
	RoomID      string        `db:"room_id" json:"room_id"`
	SenderID    string        `db:"sender_id" json:"sender_id"`
	SenderName  string        `db:"sender_name" json:"sender_name"`
	Body        string        `db:"body" json:"body"`
	SentAt      time.Time     `db:"sent_at" json:"sent_at"`
	IsLocalEcho bool          `db:"-" json:"is_local_echo"`
	Status      MessageStatus `db:"-" json:"status,omitempty"`
}
