// Package realtime owns the single duplex channel of a signed-in session and
// multiplexes named events over it.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"crewchat/internal/models"
	"crewchat/internal/notify"
)

const defaultDialTimeout = 10 * time.Second

// Connection is the handle for one identity's channel. Repeated Connect calls
// for the same user return the same handle while it is live.
type Connection struct {
	id        uint64
	identity  Identity
	ctx       context.Context
	cancel    context.CancelFunc
	transport Transport
}

// ID is unique per coordinator.
func (c *Connection) ID() uint64 { return c.id }

// Identity is the identity the connection was opened for.
func (c *Connection) Identity() Identity { return c.identity }

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDialers sets the transports to try, in preference order.
func WithDialers(dialers ...Dialer) Option {
	return func(c *Coordinator) { c.dialers = dialers }
}

// WithReconnectPolicy overrides the default reconnect policy.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithDialTimeout bounds a single dial attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.dialTimeout = d }
}

// Coordinator manages at most one open channel at a time.
type Coordinator struct {
	endpoint    string
	dialers     []Dialer
	policy      ReconnectPolicy
	dialTimeout time.Duration
	logger      zerolog.Logger
	tracer      trace.Tracer

	// lifecycle serializes Connect and Disconnect.
	lifecycle sync.Mutex

	mu     sync.Mutex
	state  State
	conn   *Connection
	nextID uint64

	// dispatch serializes inbound handlers with each other and with teardown.
	dispatch sync.Mutex

	hmu      sync.Mutex
	handlers map[string]*notify.List[Handler]

	stateObservers    notify.List[func(State)]
	errorObservers    notify.List[func(error)]
	teardownObservers notify.List[func()]
}

// NewCoordinator builds a coordinator for the given gateway endpoint. Without
// WithDialers it prefers websocket and falls back to long-polling.
func NewCoordinator(endpoint string, opts ...Option) *Coordinator {
	c := &Coordinator{
		endpoint:    endpoint,
		policy:      DefaultReconnectPolicy(),
		dialTimeout: defaultDialTimeout,
		logger:      log.Logger.With().Str("component", "realtime").Logger(),
		tracer:      otel.Tracer("crewchat/realtime"),
		handlers:    make(map[string]*notify.List[Handler]),
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.dialers) == 0 {
		c.dialers = []Dialer{&WebSocketDialer{}, &PollingDialer{}}
	}
	return c
}

// State reports the current channel state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity reports the identity of the current connection, zero when none.
func (c *Coordinator) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return Identity{}
	}
	return c.conn.identity
}

// Connect opens the channel for id. It is idempotent for the same user while
// connecting or connected. A different user tears the current session down
// first. Failures are reported through OnError, never returned.
func (c *Coordinator) Connect(id Identity) *Connection {
	if id.UserID == "" {
		c.reportError(ErrNoIdentity)
		return nil
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	cur, state := c.conn, c.state
	c.mu.Unlock()

	if cur != nil {
		if cur.identity.UserID != id.UserID {
			c.logger.Info().Str("from", cur.identity.UserID).Str("to", id.UserID).Msg("session identity changed, tearing down")
			c.teardown()
		} else if state == Connecting || state == Connected {
			return cur
		} else {
			// Same user after an error or drop: retire the old attempt but keep
			// room membership so it is replayed on the new channel.
			c.retire(cur)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.nextID++
	conn := &Connection{id: c.nextID, identity: id, ctx: ctx, cancel: cancel}
	c.conn = conn
	c.state = Connecting
	c.mu.Unlock()

	c.notifyState(Connecting)
	go c.run(conn)
	return conn
}

// Disconnect tears the channel down and clears all session state held by
// teardown observers. Safe to call at any time. Must not be called from an
// event handler.
func (c *Coordinator) Disconnect() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.teardown()
}

func (c *Coordinator) teardown() {
	c.mu.Lock()
	conn, prev := c.conn, c.state
	c.conn = nil
	c.state = Disconnected
	var t Transport
	if conn != nil {
		t = conn.transport
		conn.transport = nil
	}
	c.mu.Unlock()

	if conn != nil {
		conn.cancel()
	}
	if t != nil {
		if err := t.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("close transport")
		}
	}

	c.dispatch.Lock()
	for _, fn := range c.teardownObservers.Snapshot() {
		c.safely("teardown", fn)
	}
	c.dispatch.Unlock()

	if prev != Disconnected {
		c.notifyState(Disconnected)
	}
}

func (c *Coordinator) retire(conn *Connection) {
	c.mu.Lock()
	t := conn.transport
	conn.transport = nil
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.cancel()
	if t != nil {
		_ = t.Close()
	}
}

// Publish sends one event. Frames published while not connected are dropped
// and ErrNotConnected is returned.
func (c *Coordinator) Publish(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	var t Transport
	if c.conn != nil && c.state == Connected {
		t = c.conn.transport
	}
	c.mu.Unlock()

	if t == nil {
		c.logger.Debug().Str("event", event).Msg("publish dropped, not connected")
		return ErrNotConnected
	}
	return c.send(ctx, t, event, payload)
}

func (c *Coordinator) send(ctx context.Context, t Transport, event string, payload any) error {
	frame, err := models.NewFrame(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := t.Send(ctx, frame); err != nil {
		c.logger.Warn().Err(err).Str("event", event).Msg("publish failed")
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// Subscribe registers h for inbound events named event. The returned func
// removes exactly this registration.
func (c *Coordinator) Subscribe(event string, h Handler) func() {
	c.hmu.Lock()
	list, ok := c.handlers[event]
	if !ok {
		list = &notify.List[Handler]{}
		c.handlers[event] = list
	}
	c.hmu.Unlock()
	return list.Add(h)
}

// OnStateChange observes state transitions.
func (c *Coordinator) OnStateChange(fn func(State)) func() {
	return c.stateObservers.Add(fn)
}

// OnError observes connection errors: handshake failures, rejected
// credentials and exhausted reconnects.
func (c *Coordinator) OnError(fn func(error)) func() {
	return c.errorObservers.Add(fn)
}

// OnTeardown registers fn to run on Disconnect and on identity switches, after
// the channel is closed and before the Disconnected notification.
func (c *Coordinator) OnTeardown(fn func()) func() {
	return c.teardownObservers.Add(fn)
}

func (c *Coordinator) run(conn *Connection) {
	t, err := c.dial(conn)
	if err != nil {
		c.fail(conn, err)
		return
	}

	for {
		if !c.attach(conn, t) {
			_ = t.Close()
			return
		}

		readErr := c.readLoop(conn, t)
		if conn.ctx.Err() != nil {
			return
		}
		if !c.detach(conn, t, readErr) {
			return
		}

		if !c.policy.enabled() {
			return
		}
		t, err = c.redial(conn)
		if err != nil {
			if conn.ctx.Err() != nil {
				return
			}
			if !errors.Is(err, ErrUnauthorized) {
				err = fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
			}
			c.fail(conn, err)
			return
		}
	}
}

// dial tries every dialer in preference order. A rejected credential stops
// the fallback since no other transport will accept it either.
func (c *Coordinator) dial(conn *Connection) (Transport, error) {
	auth := Auth{Token: conn.identity.Token, UserID: conn.identity.UserID}
	var errs []error
	for _, d := range c.dialers {
		ctx, cancel := context.WithTimeout(conn.ctx, c.dialTimeout)
		ctx, span := c.tracer.Start(ctx, "realtime.dial")
		t, err := d.Dial(ctx, c.endpoint, auth)
		cancel()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			c.logger.Warn().Err(err).Str("user_id", auth.UserID).Msg("dial failed")
			if errors.Is(err, ErrUnauthorized) || conn.ctx.Err() != nil {
				return nil, err
			}
			errs = append(errs, err)
			continue
		}
		span.SetAttributes(attribute.String("transport", t.Kind()))
		span.End()
		return t, nil
	}
	if len(errs) == 0 {
		return nil, errors.New("realtime: no dialers configured")
	}
	return nil, errors.Join(errs...)
}

func (c *Coordinator) redial(conn *Connection) (Transport, error) {
	if !c.transition(conn, Connecting) {
		return nil, context.Canceled
	}

	var t Transport
	op := func() error {
		tr, err := c.dial(conn)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				return backoff.Permanent(err)
			}
			return err
		}
		t = tr
		return nil
	}
	notifyRetry := func(err error, wait time.Duration) {
		c.logger.Info().Err(err).Dur("retry_in", wait).Msg("reconnect attempt failed")
	}
	if err := backoff.RetryNotify(op, c.policy.backOff(conn.ctx), notifyRetry); err != nil {
		return nil, err
	}
	return t, nil
}

// attach installs t as the live transport and runs the on-connect side effects.
func (c *Coordinator) attach(conn *Connection, t Transport) bool {
	c.mu.Lock()
	if c.conn != conn || conn.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	conn.transport = t
	c.state = Connected
	c.mu.Unlock()

	c.logger.Info().Str("user_id", conn.identity.UserID).Str("transport", t.Kind()).Msg("connected")
	c.notifyState(Connected)

	if err := c.send(conn.ctx, t, models.EventJoinUserRoom, conn.identity.UserID); err != nil {
		c.logger.Warn().Err(err).Msg("join personal room failed")
	}
	c.deliver(conn, models.EventConnect, nil)
	return true
}

// detach records a transport-level drop. It reports false when conn was torn
// down in the meantime.
func (c *Coordinator) detach(conn *Connection, t Transport, cause error) bool {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return false
	}
	if conn.transport == t {
		conn.transport = nil
	}
	c.state = Disconnected
	c.mu.Unlock()

	_ = t.Close()
	c.logger.Warn().Err(cause).Str("user_id", conn.identity.UserID).Msg("channel dropped")
	c.notifyState(Disconnected)
	c.deliver(conn, models.EventDisconnect, nil)
	return true
}

func (c *Coordinator) fail(conn *Connection, err error) {
	if !c.transition(conn, Errored) {
		return
	}
	c.logger.Error().Err(err).Str("user_id", conn.identity.UserID).Msg("connect failed")
	payload, _ := json.Marshal(models.ErrorPayload{Message: err.Error()})
	c.deliver(conn, models.EventConnectError, payload)
	c.reportError(err)
}

func (c *Coordinator) transition(conn *Connection, s State) bool {
	c.mu.Lock()
	if c.conn != conn || conn.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
	return true
}

func (c *Coordinator) readLoop(conn *Connection, t Transport) error {
	for {
		f, err := t.Receive(conn.ctx)
		if err != nil {
			return err
		}
		c.deliver(conn, f.Event, f.Data)
	}
}

// deliver runs the handlers for event, dropping it when conn is no longer the
// live connection.
func (c *Coordinator) deliver(conn *Connection, event string, data []byte) {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	c.mu.Lock()
	live := c.conn == conn && conn.ctx.Err() == nil
	c.mu.Unlock()
	if !live {
		return
	}

	c.hmu.Lock()
	list := c.handlers[event]
	c.hmu.Unlock()
	if list == nil {
		return
	}
	for _, h := range list.Snapshot() {
		c.safely(event, func() { h(data) })
	}
}

func (c *Coordinator) notifyState(s State) {
	for _, fn := range c.stateObservers.Snapshot() {
		c.safely("state", func() { fn(s) })
	}
}

func (c *Coordinator) reportError(err error) {
	for _, fn := range c.errorObservers.Snapshot() {
		c.safely("error", func() { fn(err) })
	}
}

func (c *Coordinator) safely(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("event", event).Interface("panic", r).Msg("handler panicked")
		}
	}()
	fn()
}
