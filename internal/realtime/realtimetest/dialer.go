// Package realtimetest provides an in-memory Dialer for exercising code built
// on realtime.Coordinator without a gateway.
package realtimetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"crewchat/internal/models"
	"crewchat/internal/realtime"
)

var errDropped = errors.New("realtimetest: connection dropped")

// Dialer hands out in-memory connections. Queued errors are returned by the
// next dials, in order, before any connection is created.
type Dialer struct {
	mu     sync.Mutex
	fail   []error
	conns  []*Conn
	dialed chan *Conn
}

// NewDialer returns a ready Dialer.
func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Conn, 64)}
}

// FailNext makes the next dial return err.
func (d *Dialer) FailNext(err error) {
	d.mu.Lock()
	d.fail = append(d.fail, err)
	d.mu.Unlock()
}

// Dial implements realtime.Dialer.
func (d *Dialer) Dial(ctx context.Context, _ string, auth realtime.Auth) (realtime.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if len(d.fail) > 0 {
		err := d.fail[0]
		d.fail = d.fail[1:]
		d.mu.Unlock()
		return nil, err
	}
	c := newConn(auth)
	d.conns = append(d.conns, c)
	d.mu.Unlock()

	select {
	case d.dialed <- c:
	default:
	}
	return c, nil
}

// Dials reports how many connections were created.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Next waits for the next connection to be created.
func (d *Dialer) Next(timeout time.Duration) (*Conn, bool) {
	select {
	case c := <-d.dialed:
		return c, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Conn is an in-memory transport.
type Conn struct {
	Auth realtime.Auth

	in     chan models.Frame
	closed chan struct{}
	once   sync.Once
	reason error

	mu   sync.Mutex
	sent []models.Frame
}

func newConn(auth realtime.Auth) *Conn {
	return &Conn{
		Auth:   auth,
		in:     make(chan models.Frame, 256),
		closed: make(chan struct{}),
	}
}

// Kind implements realtime.Transport.
func (c *Conn) Kind() string { return "memory" }

// Send records f.
func (c *Conn) Send(_ context.Context, f models.Frame) error {
	select {
	case <-c.closed:
		return realtime.ErrClosed
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, f)
	c.mu.Unlock()
	return nil
}

// Receive returns frames injected with Emit.
func (c *Conn) Receive(ctx context.Context) (models.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return models.Frame{}, c.reason
	case <-ctx.Done():
		return models.Frame{}, ctx.Err()
	}
}

// Close implements realtime.Transport.
func (c *Conn) Close() error {
	c.shut(realtime.ErrClosed)
	return nil
}

// Drop simulates the remote side going away.
func (c *Conn) Drop() {
	c.shut(errDropped)
}

func (c *Conn) shut(reason error) {
	c.once.Do(func() {
		c.reason = reason
		close(c.closed)
	})
}

// Closed reports whether the connection was closed or dropped.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Emit injects an inbound event. A nil payload sends no data.
func (c *Conn) Emit(event string, payload any) {
	f, err := models.NewFrame(event, payload)
	if err != nil {
		panic(err)
	}
	c.in <- f
}

// Sent returns a copy of every frame sent on this connection.
func (c *Conn) Sent() []models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentEvents returns the frames sent with the given event name.
func (c *Conn) SentEvents(event string) []models.Frame {
	var out []models.Frame
	for _, f := range c.Sent() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// Decode unmarshals a frame payload into v.
func Decode(f models.Frame, v any) error {
	return json.Unmarshal(f.Data, v)
}
