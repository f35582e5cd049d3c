package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Event names carried on the duplex channel.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"

	EventNewMessage        = "new_message"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventClearTyping       = "clear_typing"
	EventOnlineUsers       = "online_users"
	EventUserOnline        = "user_online"
	EventUserOffline       = "user_offline"

	EventJoinUserRoom = "join_user_room"
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventSendMessage  = "send_message"
	EventStartTyping  = "start_typing"
	EventStopTyping   = "stop_typing"
	EventUpdateStatus = "update_status"

	// EventError is sent by the gateway when it rejects a frame.
	EventError = "error"
)

// Presence statuses.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Frame is a single named event on the channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame. A nil payload produces an empty Data.
func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return Frame{Event: event, Data: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}

// NewMessageEvent is broadcast to a room for every accepted send.
type NewMessageEvent struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// ToMessage converts the broadcast into an authoritative transcript entry.
func (e NewMessageEvent) ToMessage() Message {
	return Message{
		ID:         e.ID,
		RoomID:     e.RoomID,
		SenderID:   e.SenderID,
		SenderName: e.SenderName,
		Body:       e.Message,
		SentAt:     e.Timestamp,
		Status:     StatusConfirmed,
	}
}

// SendMessagePayload is published by a client sending a chat line. ID is the
// client generated id; the gateway echoes it back in NewMessageEvent.
type SendMessagePayload struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Message   string    `json:"message"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingPayload is used for start_typing (outbound) and user_typing (inbound).
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// StoppedTypingPayload is used for stop_typing and user_stopped_typing.
type StoppedTypingPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// StatusPayload is published on update_status.
type StatusPayload struct {
	Status string `json:"status"`
}

// ErrorPayload carries the detail of a connect_error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

var (
	ErrMissingRoomID   = errors.New("missing room id")
	ErrMissingIdentity = errors.New("missing identity")
)

// ParseRoomID accepts either {"roomId": "..."} or a bare JSON string.
func ParseRoomID(raw json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", ErrMissingRoomID
	}
	if strings.HasPrefix(trimmed, `"`) {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", err
		}
		if id == "" {
			return "", ErrMissingRoomID
		}
		return id, nil
	}
	var obj struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	if obj.RoomID == "" {
		return "", ErrMissingRoomID
	}
	return obj.RoomID, nil
}

// ParseIdentity decodes a bare JSON string identity.
func ParseIdentity(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", err
	}
	if id == "" {
		return "", ErrMissingIdentity
	}
	return id, nil
}
