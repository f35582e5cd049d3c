package realtime

import (
	"context"
	"errors"

	"crewchat/internal/models"
)

var (
	// ErrNotConnected is returned by Publish when the frame was dropped because
	// the channel is not open.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrUnauthorized is returned by dialers when the gateway rejects the credential.
	ErrUnauthorized = errors.New("realtime: unauthorized")
	// ErrReconnectExhausted is surfaced through OnError once the reconnect policy gives up.
	ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")
	// ErrNoIdentity is surfaced when Connect is called without a user id.
	ErrNoIdentity = errors.New("realtime: missing session identity")
	// ErrClosed is returned by transports after Close or a remote close.
	ErrClosed = errors.New("realtime: transport closed")
)

// State is the lifecycle state of the coordinator's channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Identity is the signed-in user plus the bearer credential for the channel.
type Identity struct {
	UserID   string
	UserName string
	Token    string
}

// Auth is what a dialer presents to the gateway.
type Auth struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// Transport is one open duplex channel.
type Transport interface {
	Send(ctx context.Context, f models.Frame) error
	// Receive blocks until the next inbound frame or until the channel ends.
	Receive(ctx context.Context) (models.Frame, error)
	Close() error
	Kind() string
}

// Dialer opens a Transport against the gateway endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, auth Auth) (Transport, error)
}

// Handler receives the raw payload of one inbound event.
type Handler func(data []byte)
