package realtimetest

import (
	"context"
	"sync"

	"crewchat/internal/models"
	"crewchat/internal/notify"
	"crewchat/internal/realtime"
)

// Channel is a synchronous stand-in for realtime.Coordinator. Emit runs the
// subscribed handlers on the calling goroutine.
type Channel struct {
	mu        sync.Mutex
	connected bool
	identity  realtime.Identity
	handlers  map[string]*notify.List[realtime.Handler]
	teardown  notify.List[func()]
	published []models.Frame
}

// NewChannel returns a disconnected channel for id.
func NewChannel(id realtime.Identity) *Channel {
	return &Channel{identity: id, handlers: make(map[string]*notify.List[realtime.Handler])}
}

// Publish records the frame, or returns realtime.ErrNotConnected.
func (c *Channel) Publish(_ context.Context, event string, payload any) error {
	frame, err := models.NewFrame(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return realtime.ErrNotConnected
	}
	c.published = append(c.published, frame)
	return nil
}

func (c *Channel) Subscribe(event string, h realtime.Handler) func() {
	c.mu.Lock()
	list, ok := c.handlers[event]
	if !ok {
		list = &notify.List[realtime.Handler]{}
		c.handlers[event] = list
	}
	c.mu.Unlock()
	return list.Add(h)
}

func (c *Channel) OnTeardown(fn func()) func() { return c.teardown.Add(fn) }

func (c *Channel) Identity() realtime.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SetConnected toggles whether Publish succeeds.
func (c *Channel) SetConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Connect marks the channel connected and delivers the connect event.
func (c *Channel) Connect() {
	c.SetConnected(true)
	c.Emit(models.EventConnect, nil)
}

// Emit delivers an inbound event to every handler.
func (c *Channel) Emit(event string, payload any) {
	frame, err := models.NewFrame(event, payload)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	list := c.handlers[event]
	c.mu.Unlock()
	if list == nil {
		return
	}
	for _, h := range list.Snapshot() {
		h(frame.Data)
	}
}

// TearDown disconnects and runs the teardown observers.
func (c *Channel) TearDown() {
	c.SetConnected(false)
	for _, fn := range c.teardown.Snapshot() {
		fn()
	}
}

// Handlers reports how many handlers are subscribed to event.
func (c *Channel) Handlers(event string) int {
	c.mu.Lock()
	list := c.handlers[event]
	c.mu.Unlock()
	if list == nil {
		return 0
	}
	return list.Len()
}

// Published returns the recorded frames for event.
func (c *Channel) Published(event string) []models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Frame
	for _, f := range c.published {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}
