package realtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewchat/internal/models"
	"crewchat/internal/realtime"
	"crewchat/internal/realtime/realtimetest"
)

const waitFor = 2 * time.Second

var (
	alice = realtime.Identity{UserID: "u-alice", UserName: "Alice", Token: "tok-a"}
	bob   = realtime.Identity{UserID: "u-bob", UserName: "Bob", Token: "tok-b"}
)

func fastReconnect(retries int) realtime.ReconnectPolicy {
	return realtime.ReconnectPolicy{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      2,
		MaxRetries:      retries,
	}
}

func newCoordinator(d realtime.Dialer, opts ...realtime.Option) *realtime.Coordinator {
	base := []realtime.Option{
		realtime.WithDialers(d),
		realtime.WithLogger(zerolog.Nop()),
		realtime.WithReconnectPolicy(realtime.NoReconnect()),
	}
	return realtime.NewCoordinator("http://gateway.test", append(base, opts...)...)
}

func connected(t *testing.T, c *realtime.Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == realtime.Connected }, waitFor, time.Millisecond)
}

func TestConnectIsIdempotentForSameSession(t *testing.T) {
	d := realtimetest.NewDialer()
	c := newCoordinator(d)
	defer c.Disconnect()

	first := c.Connect(alice)
	connected(t, c)
	second := c.Connect(alice)

	assert.Same(t, first, second)
	assert.Equal(t, 1, d.Dials())
}

func TestConnectWithDifferentSessionTearsDownFirst(t *testing.T) {
	d := realtimetest.NewDialer()
	c := newCoordinator(d)
	defer c.Disconnect()

	var torn int
	c.OnTeardown(func() { torn++ })

	first := c.Connect(alice)
	connA, ok := d.Next(waitFor)
	require.True(t, ok)
	connected(t, c)

	second := c.Connect(bob)
	assert.NotSame(t, first, second)
	assert.True(t, connA.Closed(), "old channel must be closed before the new one opens")
	assert.Equal(t, 1, torn)

	connB, ok := d.Next(waitFor)
	require.True(t, ok)
	assert.Equal(t, "u-bob", connB.Auth.UserID)
	connected(t, c)
	assert.Equal(t, bob, c.Identity())
}

func TestConnectedEmitsJoinUserRoomAndConnectEvent(t *testing.T) {
	d := realtimetest.NewDialer()
	c := newCoordinator(d)
	defer c.Disconnect()

	gotConnect := make(chan struct{}, 1)
	c.Subscribe(models.EventConnect, func([]byte) { gotConnect <- struct{}{} })

	c.Connect(alice)
	conn, ok := d.Next(waitFor)
	require.True(t, ok)

	select {
	case <-gotConnect:
	case <-time.After(waitFor):
		t.Fatal("connect event not delivered")
	}

	joins := conn.SentEvents(models.EventJoinUserRoom)
	require.Len(t, joins, 1)
	var id string
	require.NoError(t, realtimetest.Decode(joins[0], &id))
	assert.Equal(t, "u-alice", id)
	assert.Equal(t, "tok-a", conn.Auth.Token)
}

func TestPublishWhileDisconnectedIsDropped(t *testing.T) {
	d := realtimetest.NewDialer()
	c := newCoordinator(d)

	err := c.Publish(context.Background(), models.EventJoinRoom, "room-1")
	assert.ErrorIs(t, err, realtime.ErrNotConnected)
	assert.Equal(t, 0, d.Dials())
}

func TestPublishSendsFrame(t *testing.T) {
	d := realtimetest.NewDialer()
	c := newCoordinator(d)
	defer c.Disconnect()

	c.Connect(alice)
	conn, ok := d.Next(waitFor)
	require.True(t, ok)
	connected(t, c)

	require.NoError(t, c.Publish(context.Background(), models.EventUpdateStatus, models.StatusPayload{Status: "away"}))

	frames := conn.SentEvents(models.EventUpdateStatus)
	require.Len(t, frames, 1)
	var payload models.StatusPayload
	require.NoError(t, realtimetest.Decode(frames[0], &payload))
	assert.Equal(t, "away", payload.Status)
}

func TestUnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	d := realtimetest.NewDialer()
	c := newCoordinator(d)
	defer c.Disconnect()

	var mu sync.Mutex
	var calls []string
	record := func(name string) realtime.Handler {
		return func([]byte) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		}
	}
	unsubA := c.Subscribe(models.EventUserOnline, record("a"))
	c.Subscribe(models.EventUserOnline, record("b"))
	unsubA()
	unsubA()

	c.Connect(alice)
	conn, ok := d.Next(waitFor)
	require.True(t, ok)
	conn.Emit(models.EventUserOnline, "u-carol")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	}, waitFor, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"b"}, calls)
	mu.Unlock()
}

func TestHandshakeFailureSurfacesThroughOnError(t *testing.T) {
	d := realtimetest.NewDialer()
	d.FailNext(realtime.ErrUnauthorized)
	c := newCoordinator(d)

	errs := make(chan error, 1)
	c.OnError(func(err error) { errs <- err })
	var detail []byte
	gotDetail := make(chan struct{}, 1)
	c.Subscribe(models.EventConnectError, func(data []byte) {
		detail = data
		gotDetail <- struct{}{}
	})

	conn := c.Connect(alice)
	require.NotNil(t, conn)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, realtime.ErrUnauthorized)
	case <-time.After(waitFor):
		t.Fatal("no error reported")
	}
	<-gotDetail
	assert.Contains(t, string(detail), "unauthorized")
	assert.Equal(t, realtime.Errored, c.State())

	// A fresh Connect retries.
	again := c.Connect(alice)
	assert.NotSame(t, conn, again)
	connected(t, c)
	c.Disconnect()
}

func TestConnectWithoutIdentityIsRejected(t *testing.T) {
	c := newCoordinator(realtimetest.NewDialer())
	var got error
	c.OnError(func(err error) { got = err })

	assert.Nil(t, c.Connect(realtime.Identity{}))
	assert.ErrorIs(t, got, realtime.ErrNoIdentity)
	assert.Equal(t, realtime.Disconnected, c.State())
}

func TestDisconnectIsIdempotentAndStopsDelivery(t *testing.T) {
	d := realtimetest.NewDialer()
	c := newCoordinator(d)

	var mu sync.Mutex
	delivered := 0
	c.Subscribe(models.EventUserOnline, func([]byte) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	c.Connect(alice)
	conn, ok := d.Next(waitFor)
	require.True(t, ok)
	connected(t, c)

	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, realtime.Disconnected, c.State())
	assert.True(t, conn.Closed())
	assert.Equal(t, realtime.Identity{}, c.Identity())

	conn.Emit(models.EventUserOnline, "u-late")
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, delivered)
	mu.Unlock()
}

func TestDropWithoutReconnectPolicyEndsDisconnected(t *testing.T) {
	d := realtimetest.NewDialer()
	c := newCoordinator(d)
	defer c.Disconnect()

	dropped := make(chan struct{}, 1)
	c.Subscribe(models.EventDisconnect, func([]byte) { dropped <- struct{}{} })

	c.Connect(alice)
	conn, ok := d.Next(waitFor)
	require.True(t, ok)
	connected(t, c)

	conn.Drop()
	select {
	case <-dropped:
	case <-time.After(waitFor):
		t.Fatal("disconnect event not delivered")
	}
	assert.Equal(t, realtime.Disconnected, c.State())
	assert.Equal(t, 1, d.Dials())
}

func TestDropReconnectsAndReplaysConnectEvent(t *testing.T) {
	d := realtimetest.NewDialer()
	c := newCoordinator(d, realtime.WithReconnectPolicy(fastReconnect(3)))
	defer c.Disconnect()

	var mu sync.Mutex
	connects := 0
	c.Subscribe(models.EventConnect, func([]byte) {
		mu.Lock()
		connects++
		mu.Unlock()
	})

	first := c.Connect(alice)
	conn, ok := d.Next(waitFor)
	require.True(t, ok)
	connected(t, c)

	d.FailNext(errors.New("network unreachable"))
	conn.Drop()

	next, ok := d.Next(waitFor)
	require.True(t, ok)
	connected(t, c)
	assert.Same(t, first, c.Connect(alice), "reconnect keeps the same handle")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects == 2
	}, waitFor, time.Millisecond)
	assert.Len(t, next.SentEvents(models.EventJoinUserRoom), 1)
}

func TestReconnectExhaustionEndsErrored(t *testing.T) {
	d := realtimetest.NewDialer()
	c := newCoordinator(d, realtime.WithReconnectPolicy(fastReconnect(2)))
	defer c.Disconnect()

	errs := make(chan error, 1)
	c.OnError(func(err error) { errs <- err })

	c.Connect(alice)
	conn, ok := d.Next(waitFor)
	require.True(t, ok)
	connected(t, c)

	for i := 0; i < 3; i++ {
		d.FailNext(errors.New("gateway down"))
	}
	conn.Drop()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, realtime.ErrReconnectExhausted)
	case <-time.After(waitFor):
		t.Fatal("exhaustion not reported")
	}
	assert.Equal(t, realtime.Errored, c.State())
}

func TestReconnectStopsOnUnauthorized(t *testing.T) {
	d := realtimetest.NewDialer()
	c := newCoordinator(d, realtime.WithReconnectPolicy(fastReconnect(5)))
	defer c.Disconnect()

	errs := make(chan error, 1)
	c.OnError(func(err error) { errs <- err })

	c.Connect(alice)
	conn, ok := d.Next(waitFor)
	require.True(t, ok)
	connected(t, c)

	d.FailNext(realtime.ErrUnauthorized)
	d.FailNext(errors.New("must not be reached"))
	conn.Drop()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, realtime.ErrUnauthorized)
		assert.NotErrorIs(t, err, realtime.ErrReconnectExhausted)
	case <-time.After(waitFor):
		t.Fatal("unauthorized not reported")
	}
	assert.Equal(t, 1, d.Dials())
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	d := realtimetest.NewDialer()
	c := newCoordinator(d)
	defer c.Disconnect()

	got := make(chan string, 1)
	c.Subscribe(models.EventUserOffline, func([]byte) { panic("boom") })
	c.Subscribe(models.EventUserOffline, func(data []byte) { got <- string(data) })

	c.Connect(alice)
	conn, ok := d.Next(waitFor)
	require.True(t, ok)
	conn.Emit(models.EventUserOffline, "u-dan")

	select {
	case v := <-got:
		assert.Equal(t, `"u-dan"`, v)
	case <-time.After(waitFor):
		t.Fatal("second handler not called")
	}
}

func TestStateObserverSeesLifecycle(t *testing.T) {
	d := realtimetest.NewDialer()
	c := newCoordinator(d)

	var mu sync.Mutex
	var states []realtime.State
	c.OnStateChange(func(s realtime.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	c.Connect(alice)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, waitFor, time.Millisecond)
	c.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []realtime.State{realtime.Connecting, realtime.Connected, realtime.Disconnected}, states)
}
