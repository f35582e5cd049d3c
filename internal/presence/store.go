// Package presence keeps the session's view of joined rooms, online users and
// who is typing where.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crewchat/internal/models"
	"crewchat/internal/notify"
	"crewchat/internal/realtime"
)

// Channel is the part of realtime.Coordinator the store depends on.
type Channel interface {
	Publish(ctx context.Context, event string, payload any) error
	Subscribe(event string, h realtime.Handler) func()
	OnTeardown(fn func()) func()
	Identity() realtime.Identity
}

// ChangeKind tells observers which part of the store moved.
type ChangeKind int

const (
	ChangeRooms ChangeKind = iota
	ChangePresence
	ChangeTyping
	ChangeReset
)

// Change is emitted after every mutation. RoomID is set for typing changes.
type Change struct {
	Kind   ChangeKind
	RoomID string
}

type typist struct {
	userID   string
	userName string
	expiry   *time.Timer
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithTypingTTL drops a remote typist after d without a fresh user_typing.
// Senders announce once per burst, so d must outlast the longest burst. The
// default is zero: entries leave only on stop, clear_typing or teardown.
func WithTypingTTL(d time.Duration) Option {
	return func(s *Store) { s.typingTTL = d }
}

// Store is safe for concurrent use.
type Store struct {
	ch        Channel
	logger    zerolog.Logger
	typingTTL time.Duration

	mu     sync.Mutex
	epoch  uint64
	rooms  []string
	online []string
	typing map[string][]*typist

	observers notify.List[func(Change)]
	unsubs    []func()
	closeOnce sync.Once
}

// NewStore subscribes to the presence and typing events on ch.
func NewStore(ch Channel, opts ...Option) *Store {
	s := &Store{
		ch:     ch,
		logger: log.Logger.With().Str("component", "presence").Logger(),
		typing: make(map[string][]*typist),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unsubs = []func(){
		ch.Subscribe(models.EventConnect, func([]byte) { s.replay() }),
		ch.Subscribe(models.EventOnlineUsers, s.onOnlineUsers),
		ch.Subscribe(models.EventUserOnline, s.onUserOnline),
		ch.Subscribe(models.EventUserOffline, s.onUserOffline),
		ch.Subscribe(models.EventUserTyping, s.onUserTyping),
		ch.Subscribe(models.EventUserStoppedTyping, s.onUserStoppedTyping),
		ch.Subscribe(models.EventClearTyping, s.onClearTyping),
		ch.OnTeardown(s.Reset),
	}
	return s
}

// OnChange registers fn for change notifications. fn runs after the store
// lock is released and may read the store.
func (s *Store) OnChange(fn func(Change)) func() {
	return s.observers.Add(fn)
}

// JoinRoom records membership and announces it when connected. A join made
// while offline is sent on the next connect.
func (s *Store) JoinRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return models.ErrMissingRoomID
	}
	s.mu.Lock()
	added := !contains(s.rooms, roomID)
	if added {
		s.rooms = append(s.rooms, roomID)
	}
	s.mu.Unlock()

	if added {
		s.emit(Change{Kind: ChangeRooms, RoomID: roomID})
	}
	if err := s.ch.Publish(ctx, models.EventJoinRoom, roomID); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("join_room not sent, will replay on connect")
	}
	return nil
}

// LeaveRoom drops membership and tells the gateway when connected. The room's
// typing set is cleared locally.
func (s *Store) LeaveRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return models.ErrMissingRoomID
	}
	s.mu.Lock()
	removed := false
	for i, r := range s.rooms {
		if r == roomID {
			s.rooms = append(s.rooms[:i], s.rooms[i+1:]...)
			removed = true
			break
		}
	}
	typing := s.clearTypingLocked(roomID)
	s.mu.Unlock()

	if !removed {
		return nil
	}
	s.emit(Change{Kind: ChangeRooms, RoomID: roomID})
	if typing {
		s.emit(Change{Kind: ChangeTyping, RoomID: roomID})
	}
	if err := s.ch.Publish(ctx, models.EventLeaveRoom, roomID); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("leave_room not sent")
	}
	return nil
}

// Rooms returns the joined rooms in join order.
func (s *Store) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rooms...)
}

// OnlineUsers returns online user ids in arrival order.
func (s *Store) OnlineUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.online...)
}

// IsOnline reports whether userID is in the presence set.
func (s *Store) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return contains(s.online, userID)
}

// TypingUsers returns the display names typing in roomID, in arrival order.
func (s *Store) TypingUsers(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.typing[roomID]
	if len(list) == 0 {
		return []string{}
	}
	names := make([]string, 0, len(list))
	for _, t := range list {
		names = append(names, t.userName)
	}
	return names
}

// Reset empties membership, presence and typing. It runs on coordinator
// teardown.
func (s *Store) Reset() {
	s.mu.Lock()
	s.epoch++
	s.rooms = nil
	s.online = nil
	for room, list := range s.typing {
		stopAll(list)
		delete(s.typing, room)
	}
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeReset})
}

// Close releases the store's subscriptions and timers.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		for _, u := range s.unsubs {
			u()
		}
		s.mu.Lock()
		s.epoch++
		for _, list := range s.typing {
			stopAll(list)
		}
		s.mu.Unlock()
		s.observers.Clear()
	})
}

func (s *Store) replay() {
	rooms := s.Rooms()
	for _, roomID := range rooms {
		if err := s.ch.Publish(context.Background(), models.EventJoinRoom, roomID); err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("replay join_room failed")
		}
	}
	if len(rooms) > 0 {
		s.logger.Debug().Int("rooms", len(rooms)).Msg("replayed room membership")
	}
}

func (s *Store) onOnlineUsers(data []byte) {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		s.logger.Warn().Err(err).Msg("bad online_users payload")
		return
	}
	s.mu.Lock()
	s.online = s.online[:0]
	for _, id := range ids {
		if id != "" && !contains(s.online, id) {
			s.online = append(s.online, id)
		}
	}
	s.mu.Unlock()
	s.emit(Change{Kind: ChangePresence})
}

func (s *Store) onUserOnline(data []byte) {
	id, err := models.ParseIdentity(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("bad user_online payload")
		return
	}
	s.mu.Lock()
	added := !contains(s.online, id)
	if added {
		s.online = append(s.online, id)
	}
	s.mu.Unlock()
	if added {
		s.emit(Change{Kind: ChangePresence})
	}
}

func (s *Store) onUserOffline(data []byte) {
	id, err := models.ParseIdentity(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("bad user_offline payload")
		return
	}
	s.mu.Lock()
	removed := false
	for i, u := range s.online {
		if u == id {
			s.online = append(s.online[:i], s.online[i+1:]...)
			removed = true
			break
		}
	}
	s.mu.Unlock()
	if removed {
		s.emit(Change{Kind: ChangePresence})
	}
}

func (s *Store) onUserTyping(data []byte) {
	var p models.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" || p.UserID == "" {
		s.logger.Warn().Err(err).Msg("bad user_typing payload")
		return
	}
	if p.UserID == s.ch.Identity().UserID {
		return
	}
	name := p.UserName
	if name == "" {
		name = p.UserID
	}

	s.mu.Lock()
	list := s.typing[p.RoomID]
	var entry *typist
	for _, t := range list {
		if t.userID == p.UserID {
			entry = t
			break
		}
	}
	changed := false
	if entry == nil {
		entry = &typist{userID: p.UserID, userName: name}
		s.typing[p.RoomID] = append(list, entry)
		changed = true
	} else if entry.userName != name {
		entry.userName = name
		changed = true
	}
	s.armLocked(p.RoomID, entry)
	s.mu.Unlock()

	if changed {
		s.emit(Change{Kind: ChangeTyping, RoomID: p.RoomID})
	}
}

func (s *Store) onUserStoppedTyping(data []byte) {
	var p models.StoppedTypingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		s.logger.Warn().Err(err).Msg("bad user_stopped_typing payload")
		return
	}
	s.mu.Lock()
	removed := s.removeTypistLocked(p.RoomID, p.UserID)
	s.mu.Unlock()
	if removed {
		s.emit(Change{Kind: ChangeTyping, RoomID: p.RoomID})
	}
}

func (s *Store) onClearTyping(data []byte) {
	roomID, err := models.ParseRoomID(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("bad clear_typing payload")
		return
	}
	s.mu.Lock()
	cleared := s.clearTypingLocked(roomID)
	s.mu.Unlock()
	if cleared {
		s.emit(Change{Kind: ChangeTyping, RoomID: roomID})
	}
}

// armLocked (re)starts the expiry timer of t. The timer is bound to the
// current epoch so it cannot touch state after a reset.
func (s *Store) armLocked(roomID string, t *typist) {
	if s.typingTTL <= 0 {
		return
	}
	if t.expiry != nil {
		t.expiry.Stop()
	}
	epoch := s.epoch
	t.expiry = time.AfterFunc(s.typingTTL, func() {
		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return
		}
		removed := false
		for _, cur := range s.typing[roomID] {
			if cur == t {
				removed = s.removeTypistLocked(roomID, t.userID)
				break
			}
		}
		s.mu.Unlock()
		if removed {
			s.emit(Change{Kind: ChangeTyping, RoomID: roomID})
		}
	})
}

func (s *Store) removeTypistLocked(roomID, userID string) bool {
	list := s.typing[roomID]
	for i, t := range list {
		if t.userID != userID {
			continue
		}
		if t.expiry != nil {
			t.expiry.Stop()
		}
		list = append(list[:i], list[i+1:]...)
		if len(list) == 0 {
			delete(s.typing, roomID)
		} else {
			s.typing[roomID] = list
		}
		return true
	}
	return false
}

func (s *Store) clearTypingLocked(roomID string) bool {
	list, ok := s.typing[roomID]
	if !ok {
		return false
	}
	stopAll(list)
	delete(s.typing, roomID)
	return len(list) > 0
}

func (s *Store) emit(c Change) {
	for _, fn := range s.observers.Snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Interface("panic", r).Msg("presence observer panicked")
				}
			}()
			fn(c)
		}()
	}
}

func stopAll(list []*typist) {
	for _, t := range list {
		if t.expiry != nil {
			t.expiry.Stop()
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
