package session

import (
	"context"
	"sync"

	"crewchat/internal/models"
	"crewchat/internal/presence"
	"crewchat/internal/realtime"
)

// RoomView is a scoped handle on one room. Close undoes everything OpenRoom
// set up.
type RoomView struct {
	s      *Session
	roomID string

	unsubs []func()

	mu      sync.Mutex
	closed  bool
	updates chan struct{}
}

func newRoomView(s *Session, roomID string) *RoomView {
	v := &RoomView{s: s, roomID: roomID, updates: make(chan struct{}, 1)}
	v.unsubs = []func(){
		s.chat.OnChange(func(id string) {
			if id == roomID {
				v.signal()
			}
		}),
		s.presence.OnChange(func(c presence.Change) {
			if c.Kind == presence.ChangeReset || (c.Kind == presence.ChangeTyping && c.RoomID == roomID) {
				v.signal()
			}
		}),
		s.coord.OnStateChange(func(realtime.State) { v.signal() }),
	}
	return v
}

// Room is the room id.
func (v *RoomView) Room() string { return v.roomID }

// Updates yields a value whenever the view may need redrawing. Signals are
// coalesced. The channel is closed by Close.
func (v *RoomView) Updates() <-chan struct{} { return v.updates }

// Messages returns the room transcript.
func (v *RoomView) Messages() []models.Message { return v.s.chat.Messages(v.roomID) }

// IsOwn reports whether m was sent by the signed-in user.
func (v *RoomView) IsOwn(m models.Message) bool { return v.s.chat.IsOwn(m) }

// CanSend is true only while the channel is connected.
func (v *RoomView) CanSend() bool { return v.s.coord.State() == realtime.Connected }

// Send appends and publishes body. See transcript.Reconciler.SendMessage.
func (v *RoomView) Send(ctx context.Context, body string) (models.Message, error) {
	return v.s.chat.SendMessage(ctx, v.roomID, body)
}

// Retry re-sends an unsent message.
func (v *RoomView) Retry(ctx context.Context, id string) error {
	return v.s.chat.Retry(ctx, v.roomID, id)
}

// Keystroke marks the local user as typing.
func (v *RoomView) Keystroke(ctx context.Context) {
	v.s.chat.StartTyping(ctx, v.roomID)
}

// IndicatorText is the "X is typing..." line.
func (v *RoomView) IndicatorText() string { return v.s.chat.TypingIndicatorText(v.roomID) }

// Close stops typing, unsubscribes the view and leaves the room when no other
// view holds it. Safe to call more than once.
func (v *RoomView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	close(v.updates)
	v.mu.Unlock()

	for _, u := range v.unsubs {
		u()
	}
	ctx := context.Background()
	v.s.chat.StopTyping(ctx, v.roomID)
	if v.s.release(v.roomID) {
		if err := v.s.presence.LeaveRoom(ctx, v.roomID); err != nil {
			v.s.logger.Warn().Err(err).Str("room_id", v.roomID).Msg("leave room")
		}
	}
}

func (v *RoomView) signal() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	select {
	case v.updates <- struct{}{}:
	default:
	}
}
