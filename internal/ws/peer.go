package ws

import (
	"sync"

	"golang.org/x/time/rate"

	"crewchat/internal/models"
)

const (
	transportWebSocket = "websocket"
	transportPolling   = "polling"
	sendBuffer         = 256
)

// Peer is one client connection, independent of how frames reach it.
type Peer struct {
	info      ConnInfo
	transport string
	send      chan models.Frame
	limiter   *rate.Limiter

	closed    chan struct{}
	closeOnce sync.Once
	reasonMu  sync.Mutex
	reason    string

	// guarded by Hub.mu
	rooms  map[string]bool
	typing map[string]bool
	status string
}

func newPeer(info ConnInfo, transport string, limiter *rate.Limiter) *Peer {
	return &Peer{
		info:      info,
		transport: transport,
		send:      make(chan models.Frame, sendBuffer),
		limiter:   limiter,
		closed:    make(chan struct{}),
		rooms:     make(map[string]bool),
		typing:    make(map[string]bool),
		status:    models.PresenceOnline,
	}
}

func (p *Peer) UserID() string { return p.info.UserID }

// Done is closed once the peer has been kicked or closed.
func (p *Peer) Done() <-chan struct{} { return p.closed }

// enqueue never blocks. A peer that cannot keep up is closed.
func (p *Peer) enqueue(f models.Frame) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case p.send <- f:
		return true
	default:
		p.close("send buffer full")
		return false
	}
}

func (p *Peer) close(reason string) {
	p.closeOnce.Do(func() {
		p.reasonMu.Lock()
		p.reason = reason
		p.reasonMu.Unlock()
		close(p.closed)
	})
}

func (p *Peer) closeReason() string {
	p.reasonMu.Lock()
	defer p.reasonMu.Unlock()
	return p.reason
}

// drain returns whatever is queued without blocking.
func (p *Peer) drain(into []models.Frame) []models.Frame {
	for {
		select {
		case f := <-p.send:
			into = append(into, f)
		default:
			return into
		}
	}
}
