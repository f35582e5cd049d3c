package transcript

import (
	"context"
	"time"

	"crewchat/internal/models"
)

// DefaultTypingTimeout is the inactivity window after which local typing stops.
const DefaultTypingTimeout = 3 * time.Second

type typingState struct {
	gen   uint64
	timer *time.Timer
}

// StartTyping announces local typing in roomID once per burst. Every call
// pushes the inactivity deadline out; silence for the timeout stops typing.
func (r *Reconciler) StartTyping(ctx context.Context, roomID string) {
	r.mu.Lock()
	st, already := r.typing[roomID]
	if !already {
		st = &typingState{}
		r.typing[roomID] = st
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	r.typingGen++
	gen := r.typingGen
	st.gen = gen
	st.timer = time.AfterFunc(r.typingTimeout, func() { r.expireTyping(roomID, gen) })
	r.mu.Unlock()

	if already {
		return
	}
	id := r.ch.Identity()
	r.publish(ctx, models.EventStartTyping, models.TypingPayload{RoomID: roomID, UserID: id.UserID, UserName: id.UserName})
}

// StopTyping ends local typing in roomID. It is a no-op when not typing.
func (r *Reconciler) StopTyping(ctx context.Context, roomID string) {
	r.mu.Lock()
	st, ok := r.typing[roomID]
	if ok {
		st.timer.Stop()
		delete(r.typing, roomID)
	}
	r.mu.Unlock()

	if ok {
		r.publishStop(ctx, roomID)
	}
}

// IsTyping reports whether the local user is flagged as typing in roomID.
func (r *Reconciler) IsTyping(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.typing[roomID]
	return ok
}

// TypingIndicatorText renders who else is typing in roomID.
func (r *Reconciler) TypingIndicatorText(roomID string) string {
	if r.source == nil {
		return ""
	}
	return FormatTypingIndicator(r.source.TypingUsers(roomID))
}

func (r *Reconciler) expireTyping(roomID string, gen uint64) {
	r.mu.Lock()
	st, ok := r.typing[roomID]
	if !ok || st.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.typing, roomID)
	r.mu.Unlock()

	r.logger.Debug().Str("room_id", roomID).Msg("typing timed out")
	r.publishStop(context.Background(), roomID)
}

func (r *Reconciler) publishStop(ctx context.Context, roomID string) {
	r.publish(ctx, models.EventStopTyping, models.StoppedTypingPayload{RoomID: roomID, UserID: r.ch.Identity().UserID})
}

// stopTimersLocked cancels every typing timer without publishing.
func (r *Reconciler) stopTimersLocked() {
	for roomID, st := range r.typing {
		st.timer.Stop()
		delete(r.typing, roomID)
	}
}
