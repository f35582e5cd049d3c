package transcript

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewchat/internal/models"
	"crewchat/internal/presence"
	"crewchat/internal/realtime"
	"crewchat/internal/realtime/realtimetest"
)

func TestFormatTypingIndicator(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{nil, ""},
		{[]string{"Alice"}, "Alice is typing..."},
		{[]string{"Alice", "Bob"}, "Alice and Bob are typing..."},
		{[]string{"Alice", "Bob", "Carol"}, "Alice and 2 others are typing..."},
		{[]string{"Alice", "Bob", "Carol", "Dan"}, "Alice and 3 others are typing..."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatTypingIndicator(tt.names))
	}
}

func TestDefaultTypingTimeout(t *testing.T) {
	assert.Equal(t, 3*time.Second, DefaultTypingTimeout)
}

func TestTypingBurstPublishesOneStart(t *testing.T) {
	ch, r := newConnected(WithTypingTimeout(80 * time.Millisecond))
	defer r.Close()

	for i := 0; i < 5; i++ {
		r.StartTyping(context.Background(), "r")
		time.Sleep(10 * time.Millisecond)
	}
	assert.Len(t, ch.Published(models.EventStartTyping), 1)
	assert.True(t, r.IsTyping("r"))
	assert.Empty(t, ch.Published(models.EventStopTyping))

	var start models.TypingPayload
	require.NoError(t, realtimetest.Decode(ch.Published(models.EventStartTyping)[0], &start))
	assert.Equal(t, models.TypingPayload{RoomID: "r", UserID: "u-me", UserName: "Me"}, start)
}

func TestTypingSilenceStopsOnce(t *testing.T) {
	ch, r := newConnected(WithTypingTimeout(30 * time.Millisecond))
	defer r.Close()

	r.StartTyping(context.Background(), "r")
	require.Eventually(t, func() bool { return !r.IsTyping("r") }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, ch.Published(models.EventStopTyping), 1)

	// A new burst announces again.
	r.StartTyping(context.Background(), "r")
	assert.Len(t, ch.Published(models.EventStartTyping), 2)
}

func TestStopTypingIsIdempotent(t *testing.T) {
	ch, r := newConnected(WithTypingTimeout(time.Hour))
	defer r.Close()

	r.StopTyping(context.Background(), "r")
	assert.Empty(t, ch.Published(models.EventStopTyping))

	r.StartTyping(context.Background(), "r")
	r.StopTyping(context.Background(), "r")
	r.StopTyping(context.Background(), "r")
	assert.Len(t, ch.Published(models.EventStopTyping), 1)
	assert.False(t, r.IsTyping("r"))
}

func TestSendStopsTyping(t *testing.T) {
	ch, r := newConnected(WithTypingTimeout(time.Hour))
	defer r.Close()

	r.StartTyping(context.Background(), "r")
	_, err := r.SendMessage(context.Background(), "r", "done")
	require.NoError(t, err)

	assert.False(t, r.IsTyping("r"))
	assert.Len(t, ch.Published(models.EventStopTyping), 1)
}

func TestTypingIsPerRoom(t *testing.T) {
	ch, r := newConnected(WithTypingTimeout(time.Hour))
	defer r.Close()

	r.StartTyping(context.Background(), "a")
	r.StartTyping(context.Background(), "b")
	r.StopTyping(context.Background(), "a")

	assert.Len(t, ch.Published(models.EventStartTyping), 2)
	assert.False(t, r.IsTyping("a"))
	assert.True(t, r.IsTyping("b"))
}

// typingRelay forwards typing frames published on one channel to another the
// way the gateway does.
type typingRelay struct {
	from, to      *realtimetest.Channel
	starts, stops int
}

func (rl *typingRelay) flush(t *testing.T) {
	t.Helper()
	starts := rl.from.Published(models.EventStartTyping)
	for _, f := range starts[rl.starts:] {
		var p models.TypingPayload
		require.NoError(t, realtimetest.Decode(f, &p))
		rl.to.Emit(models.EventUserTyping, p)
	}
	rl.starts = len(starts)

	stops := rl.from.Published(models.EventStopTyping)
	for _, f := range stops[rl.stops:] {
		var p models.StoppedTypingPayload
		require.NoError(t, realtimetest.Decode(f, &p))
		rl.to.Emit(models.EventUserStoppedTyping, p)
	}
	rl.stops = len(stops)
}

func TestLongTypingBurstStaysVisibleToOthers(t *testing.T) {
	aliceCh := realtimetest.NewChannel(realtime.Identity{UserID: "u-a", UserName: "Alice"})
	aliceCh.SetConnected(true)
	alice := NewReconciler(aliceCh, nil, WithTypingTimeout(100*time.Millisecond))
	defer alice.Close()

	bobCh := realtimetest.NewChannel(realtime.Identity{UserID: "u-b", UserName: "Bob"})
	bobCh.SetConnected(true)
	bobStore := presence.NewStore(bobCh)
	defer bobStore.Close()
	bob := NewReconciler(bobCh, bobStore)
	defer bob.Close()

	relay := &typingRelay{from: aliceCh, to: bobCh}

	// Keystrokes every 30ms for well over the local timeout.
	deadline := time.Now().Add(600 * time.Millisecond)
	for time.Now().Before(deadline) {
		alice.StartTyping(context.Background(), "r")
		relay.flush(t)
		require.True(t, alice.IsTyping("r"))
		require.Equal(t, "Alice is typing...", bob.TypingIndicatorText("r"))
		time.Sleep(30 * time.Millisecond)
	}
	assert.Len(t, aliceCh.Published(models.EventStartTyping), 1)

	require.Eventually(t, func() bool { return !alice.IsTyping("r") }, time.Second, 5*time.Millisecond)
	relay.flush(t)
	assert.Equal(t, "", bob.TypingIndicatorText("r"))
	assert.Empty(t, bobStore.TypingUsers("r"))
}
