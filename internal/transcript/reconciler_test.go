package transcript

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewchat/internal/models"
	"crewchat/internal/realtime"
	"crewchat/internal/realtime/realtimetest"
)

type staticTypists map[string][]string

func (s staticTypists) TypingUsers(roomID string) []string { return s[roomID] }

func newConnected(opts ...Option) (*realtimetest.Channel, *Reconciler) {
	ch := realtimetest.NewChannel(realtime.Identity{UserID: "u-me", UserName: "Me"})
	ch.SetConnected(true)
	return ch, NewReconciler(ch, nil, opts...)
}

func broadcast(ch *realtimetest.Channel, m models.Message) {
	ch.Emit(models.EventNewMessage, models.NewMessageEvent{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Message:    m.Body,
		Timestamp:  m.SentAt,
	})
}

func TestSendThenBroadcastIsDeduplicated(t *testing.T) {
	ch, r := newConnected()
	defer r.Close()

	sent, err := r.SendMessage(context.Background(), "room-42", "hello")
	require.NoError(t, err)

	msgs := r.Messages("room-42")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.True(t, msgs[0].IsLocalEcho)
	assert.Equal(t, models.StatusPending, msgs[0].Status)

	broadcast(ch, sent)
	broadcast(ch, sent)

	msgs = r.Messages("room-42")
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.ID, msgs[0].ID)
	assert.False(t, msgs[0].IsLocalEcho)
	assert.Equal(t, models.StatusConfirmed, msgs[0].Status)
	assert.True(t, r.IsOwn(msgs[0]))
}

func TestSendPublishesPayloadWithClientID(t *testing.T) {
	ch, r := newConnected()
	defer r.Close()

	sent, err := r.SendMessage(context.Background(), "room-1", "  hi there ")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d+-[0-9a-f]{10}$`), sent.ID)

	frames := ch.Published(models.EventSendMessage)
	require.Len(t, frames, 1)
	var p models.SendMessagePayload
	require.NoError(t, realtimetest.Decode(frames[0], &p))
	assert.Equal(t, sent.ID, p.ID)
	assert.Equal(t, "room-1", p.RoomID)
	assert.Equal(t, "hi there", p.Message)
	assert.Equal(t, "u-me", p.UserID)
	assert.Equal(t, "Me", p.UserName)
}

func TestTranscriptKeepsInsertionOrder(t *testing.T) {
	ch, r := newConnected()
	defer r.Close()

	now := time.Now()
	broadcast(ch, models.Message{ID: "b", RoomID: "r", SenderID: "x", Body: "later", SentAt: now.Add(time.Minute)})
	broadcast(ch, models.Message{ID: "a", RoomID: "r", SenderID: "x", Body: "earlier", SentAt: now})

	msgs := r.Messages("r")
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].ID)
	assert.Equal(t, "a", msgs[1].ID)
	assert.False(t, r.IsOwn(msgs[0]))
}

func TestRemoteMessagesAreScopedToTheirRoom(t *testing.T) {
	ch, r := newConnected()
	defer r.Close()

	broadcast(ch, models.Message{ID: "1", RoomID: "r1", Body: "one"})
	broadcast(ch, models.Message{ID: "1", RoomID: "r2", Body: "one"})
	assert.Len(t, r.Messages("r1"), 1)
	assert.Len(t, r.Messages("r2"), 1)
	assert.Empty(t, r.Messages("r3"))
}

func TestSendWhileDisconnectedKeepsUnsentMessage(t *testing.T) {
	ch := realtimetest.NewChannel(realtime.Identity{UserID: "u-me", UserName: "Me"})
	r := NewReconciler(ch, nil)
	defer r.Close()

	msg, err := r.SendMessage(context.Background(), "r", "are you there")
	assert.ErrorIs(t, err, realtime.ErrNotConnected)
	assert.Equal(t, models.StatusUnsent, msg.Status)

	msgs := r.Messages("r")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusUnsent, msgs[0].Status)
	assert.True(t, msgs[0].IsLocalEcho)

	// Reconnecting flushes it exactly once.
	ch.Connect()
	assert.Len(t, ch.Published(models.EventSendMessage), 1)
	assert.Equal(t, models.StatusPending, r.Messages("r")[0].Status)

	ch.Emit(models.EventConnect, nil)
	assert.Len(t, ch.Published(models.EventSendMessage), 1)
}

func TestRetry(t *testing.T) {
	ch := realtimetest.NewChannel(realtime.Identity{UserID: "u-me", UserName: "Me"})
	r := NewReconciler(ch, nil)
	defer r.Close()

	msg, _ := r.SendMessage(context.Background(), "r", "retry me")
	assert.ErrorIs(t, r.Retry(context.Background(), "r", msg.ID), realtime.ErrNotConnected)
	assert.ErrorIs(t, r.Retry(context.Background(), "r", "missing"), ErrMessageNotFound)

	ch.SetConnected(true)
	require.NoError(t, r.Retry(context.Background(), "r", msg.ID))
	assert.Equal(t, models.StatusPending, r.Messages("r")[0].Status)

	// Only unsent messages are re-published.
	require.NoError(t, r.Retry(context.Background(), "r", msg.ID))
	assert.Len(t, ch.Published(models.EventSendMessage), 1)
}

func TestSendValidation(t *testing.T) {
	_, r := newConnected()
	defer r.Close()

	_, err := r.SendMessage(context.Background(), "r", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = r.SendMessage(context.Background(), "", "hi")
	assert.ErrorIs(t, err, models.ErrMissingRoomID)

	anon := NewReconciler(realtimetest.NewChannel(realtime.Identity{}), nil)
	defer anon.Close()
	_, err = anon.SendMessage(context.Background(), "r", "hi")
	assert.ErrorIs(t, err, realtime.ErrNoIdentity)
}

func TestPreloadPutsHistoryFirst(t *testing.T) {
	ch, r := newConnected()
	defer r.Close()

	broadcast(ch, models.Message{ID: "live", RoomID: "r", Body: "now"})
	r.Preload("r", []models.Message{
		{ID: "h1", Body: "old"},
		{ID: "live", Body: "now"},
		{ID: "h2", Body: "older"},
	})

	msgs := r.Messages("r")
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"h1", "h2", "live"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})

	broadcast(ch, models.Message{ID: "h1", RoomID: "r", Body: "old"})
	assert.Len(t, r.Messages("r"), 3)
}

func TestTeardownClearsTranscripts(t *testing.T) {
	ch, r := newConnected(WithTypingTimeout(time.Hour))
	defer r.Close()

	_, err := r.SendMessage(context.Background(), "r", "hi")
	require.NoError(t, err)
	r.StartTyping(context.Background(), "r")

	var changed []string
	r.OnChange(func(roomID string) { changed = append(changed, roomID) })
	ch.TearDown()

	assert.Empty(t, r.Messages("r"))
	assert.False(t, r.IsTyping("r"))
	assert.Equal(t, []string{"r"}, changed)
	assert.Empty(t, ch.Published(models.EventStopTyping))
}

func TestCloseUnsubscribes(t *testing.T) {
	ch, r := newConnected()
	require.Equal(t, 1, ch.Handlers(models.EventNewMessage))
	r.Close()
	r.Close()
	assert.Zero(t, ch.Handlers(models.EventNewMessage))
	assert.Zero(t, ch.Handlers(models.EventConnect))
}

func TestIndicatorTextUsesTypingSource(t *testing.T) {
	ch := realtimetest.NewChannel(realtime.Identity{UserID: "u-me"})
	r := NewReconciler(ch, staticTypists{"r": {"Alice", "Bob"}})
	defer r.Close()

	assert.Equal(t, "Alice and Bob are typing...", r.TypingIndicatorText("r"))
	assert.Equal(t, "", r.TypingIndicatorText("other"))
}
