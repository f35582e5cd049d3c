// Package session ties the coordinator, the presence store and the transcript
// reconciler into one object owned by a signed-in user.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crewchat/internal/models"
	"crewchat/internal/presence"
	"crewchat/internal/realtime"
	"crewchat/internal/transcript"
)

// HistoryFunc loads earlier messages of a room when it is opened.
type HistoryFunc func(ctx context.Context, roomID string) ([]models.Message, error)

// Config describes how the session reaches the gateway.
type Config struct {
	Endpoint      string
	Dialers       []realtime.Dialer
	Reconnect     *realtime.ReconnectPolicy
	TypingTimeout time.Duration
	TypingTTL     time.Duration
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the base logger; components derive their own from it.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithHistory preloads room history on OpenRoom.
func WithHistory(fn HistoryFunc) Option {
	return func(s *Session) { s.history = fn }
}

// Session is constructed once per process and reused across sign-ins.
type Session struct {
	logger  zerolog.Logger
	history HistoryFunc

	coord    *realtime.Coordinator
	presence *presence.Store
	chat     *transcript.Reconciler

	mu    sync.Mutex
	views map[string]int
}

// New wires a coordinator, store and reconciler for cfg.
func New(cfg Config, opts ...Option) *Session {
	s := &Session{
		logger: log.Logger,
		views:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	copts := []realtime.Option{realtime.WithLogger(s.logger.With().Str("component", "realtime").Logger())}
	if len(cfg.Dialers) > 0 {
		copts = append(copts, realtime.WithDialers(cfg.Dialers...))
	}
	if cfg.Reconnect != nil {
		copts = append(copts, realtime.WithReconnectPolicy(*cfg.Reconnect))
	}
	s.coord = realtime.NewCoordinator(cfg.Endpoint, copts...)

	popts := []presence.Option{presence.WithLogger(s.logger.With().Str("component", "presence").Logger())}
	if cfg.TypingTTL != 0 {
		popts = append(popts, presence.WithTypingTTL(cfg.TypingTTL))
	}
	s.presence = presence.NewStore(s.coord, popts...)

	s.chat = transcript.NewReconciler(s.coord, s.presence,
		transcript.WithLogger(s.logger.With().Str("component", "transcript").Logger()),
		transcript.WithTypingTimeout(cfg.TypingTimeout),
	)
	return s
}

// SignIn opens the channel for id. Signing in as someone else signs the
// current user out first.
func (s *Session) SignIn(id realtime.Identity) *realtime.Connection {
	return s.coord.Connect(id)
}

// SignOut closes the channel and clears every piece of session state.
func (s *Session) SignOut() {
	s.coord.Disconnect()
}

// Close signs out and releases the components.
func (s *Session) Close() {
	s.coord.Disconnect()
	s.chat.Close()
	s.presence.Close()
}

func (s *Session) State() realtime.State              { return s.coord.State() }
func (s *Session) Identity() realtime.Identity        { return s.coord.Identity() }
func (s *Session) Presence() *presence.Store          { return s.presence }
func (s *Session) Transcript() *transcript.Reconciler { return s.chat }

// OnStateChange observes the channel state.
func (s *Session) OnStateChange(fn func(realtime.State)) func() {
	return s.coord.OnStateChange(fn)
}

// OnError observes connection errors.
func (s *Session) OnError(fn func(error)) func() {
	return s.coord.OnError(fn)
}

// UpdateStatus publishes the user's status.
func (s *Session) UpdateStatus(ctx context.Context, status string) error {
	return s.coord.Publish(ctx, models.EventUpdateStatus, models.StatusPayload{Status: status})
}

// OpenRoom joins roomID and returns a view that must be closed when done.
// Several views of one room share the transcript; the room is left when the
// last of them closes.
func (s *Session) OpenRoom(ctx context.Context, roomID string) (*RoomView, error) {
	if roomID == "" {
		return nil, models.ErrMissingRoomID
	}
	if err := s.presence.JoinRoom(ctx, roomID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.views[roomID]++
	s.mu.Unlock()

	v := newRoomView(s, roomID)
	if s.history != nil {
		msgs, err := s.history(ctx, roomID)
		if err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("history not loaded")
		} else {
			s.chat.Preload(roomID, msgs)
		}
	}
	return v, nil
}

// release drops one view of roomID and reports whether it was the last.
func (s *Session) release(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[roomID]--
	if s.views[roomID] > 0 {
		return false
	}
	delete(s.views, roomID)
	return true
}
