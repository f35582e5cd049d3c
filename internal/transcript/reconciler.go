// Package transcript merges optimistic local sends with the broadcast message
// stream into one ordered, de-duplicated transcript per room.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crewchat/internal/models"
	"crewchat/internal/notify"
	"crewchat/internal/realtime"
)

var (
	ErrEmptyMessage    = errors.New("message body is empty")
	ErrMessageNotFound = errors.New("message not found")
)

// Channel is the part of realtime.Coordinator the reconciler depends on.
type Channel interface {
	Publish(ctx context.Context, event string, payload any) error
	Subscribe(event string, h realtime.Handler) func()
	OnTeardown(fn func()) func()
	Identity() realtime.Identity
}

// TypingSource supplies the remote typists of a room.
type TypingSource interface {
	TypingUsers(roomID string) []string
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithTypingTimeout overrides the local typing inactivity window.
func WithTypingTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.typingTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

type roomLog struct {
	msgs  []models.Message
	index map[string]int
}

func (l *roomLog) reindex() {
	l.index = make(map[string]int, len(l.msgs))
	for i, m := range l.msgs {
		l.index[m.ID] = i
	}
}

// Reconciler is shared by every view of a room so all of them see the same
// transcript.
type Reconciler struct {
	ch            Channel
	source        TypingSource
	logger        zerolog.Logger
	typingTimeout time.Duration
	now           func() time.Time

	mu        sync.Mutex
	rooms     map[string]*roomLog
	typing    map[string]*typingState
	typingGen uint64

	observers notify.List[func(roomID string)]
	unsubs    []func()
	closeOnce sync.Once
}

// NewReconciler subscribes to new_message on ch. source may be nil when no
// typing indicator is needed.
func NewReconciler(ch Channel, source TypingSource, opts ...Option) *Reconciler {
	r := &Reconciler{
		ch:            ch,
		source:        source,
		logger:        log.Logger.With().Str("component", "transcript").Logger(),
		typingTimeout: DefaultTypingTimeout,
		now:           time.Now,
		rooms:         make(map[string]*roomLog),
		typing:        make(map[string]*typingState),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.unsubs = []func(){
		ch.Subscribe(models.EventNewMessage, r.onIncomingMessage),
		ch.Subscribe(models.EventConnect, func([]byte) { r.flushUnsent(context.Background()) }),
		ch.OnTeardown(r.Reset),
	}
	return r
}

// OnChange registers fn to run after a room's transcript changes.
func (r *Reconciler) OnChange(fn func(roomID string)) func() {
	return r.observers.Add(fn)
}

// SendMessage appends a local echo to roomID's transcript and publishes it.
// When the publish fails the message stays in the transcript as unsent and
// the publish error is returned along with it.
func (r *Reconciler) SendMessage(ctx context.Context, roomID, body string) (models.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if roomID == "" {
		return models.Message{}, models.ErrMissingRoomID
	}
	id := r.ch.Identity()
	if id.UserID == "" {
		return models.Message{}, realtime.ErrNoIdentity
	}

	now := r.now()
	msg := models.Message{
		ID:          newMessageID(now),
		RoomID:      roomID,
		SenderID:    id.UserID,
		SenderName:  id.UserName,
		Body:        body,
		SentAt:      now,
		IsLocalEcho: true,
		Status:      models.StatusPending,
	}
	r.mu.Lock()
	r.appendLocked(msg)
	r.mu.Unlock()
	r.emit(roomID)

	r.StopTyping(ctx, roomID)

	if err := r.ch.Publish(ctx, models.EventSendMessage, sendPayload(msg)); err != nil {
		r.logger.Warn().Err(err).Str("room_id", roomID).Str("message_id", msg.ID).Msg("message kept as unsent")
		if r.setStatus(roomID, msg.ID, models.StatusUnsent) {
			r.emit(roomID)
		}
		msg.Status = models.StatusUnsent
		return msg, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// Retry re-publishes an unsent message. Messages in any other state are left
// alone.
func (r *Reconciler) Retry(ctx context.Context, roomID, id string) error {
	r.mu.Lock()
	l := r.rooms[roomID]
	var msg models.Message
	found := false
	if l != nil {
		if i, ok := l.index[id]; ok {
			msg, found = l.msgs[i], true
		}
	}
	r.mu.Unlock()

	if !found {
		return ErrMessageNotFound
	}
	if msg.Status != models.StatusUnsent {
		return nil
	}
	if err := r.ch.Publish(ctx, models.EventSendMessage, sendPayload(msg)); err != nil {
		return fmt.Errorf("retry message: %w", err)
	}
	if r.setStatus(roomID, id, models.StatusPending) {
		r.emit(roomID)
	}
	return nil
}

// Messages returns a copy of roomID's transcript in insertion order.
func (r *Reconciler) Messages(roomID string) []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.rooms[roomID]
	if l == nil {
		return []models.Message{}
	}
	return append([]models.Message(nil), l.msgs...)
}

// Preload inserts historical messages ahead of the live transcript. Messages
// already present are skipped.
func (r *Reconciler) Preload(roomID string, history []models.Message) {
	r.mu.Lock()
	l := r.roomLocked(roomID)
	var head []models.Message
	seen := make(map[string]bool, len(history))
	for _, m := range history {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		if _, ok := l.index[m.ID]; ok {
			continue
		}
		seen[m.ID] = true
		m.RoomID = roomID
		m.IsLocalEcho = false
		m.Status = models.StatusConfirmed
		head = append(head, m)
	}
	if len(head) > 0 {
		l.msgs = append(head, l.msgs...)
		l.reindex()
	}
	r.mu.Unlock()
	if len(head) > 0 {
		r.emit(roomID)
	}
}

// IsOwn reports whether m was sent by the signed-in user.
func (r *Reconciler) IsOwn(m models.Message) bool {
	uid := r.ch.Identity().UserID
	return uid != "" && m.SenderID == uid
}

// Reset drops every transcript and stops typing timers without publishing.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.stopTimersLocked()
	rooms := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		rooms = append(rooms, id)
	}
	r.rooms = make(map[string]*roomLog)
	r.mu.Unlock()
	for _, id := range rooms {
		r.emit(id)
	}
}

// Close releases subscriptions and timers.
func (r *Reconciler) Close() {
	r.closeOnce.Do(func() {
		for _, u := range r.unsubs {
			u()
		}
		r.mu.Lock()
		r.stopTimersLocked()
		r.mu.Unlock()
		r.observers.Clear()
	})
}

func (r *Reconciler) onIncomingMessage(data []byte) {
	var ev models.NewMessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.Warn().Err(err).Msg("bad new_message payload")
		return
	}
	if ev.RoomID == "" {
		r.logger.Warn().Msg("new_message without room id")
		return
	}
	if ev.ID == "" {
		ev.ID = newMessageID(r.now())
	}
	incoming := ev.ToMessage()

	r.mu.Lock()
	l := r.roomLocked(ev.RoomID)
	changed := true
	if i, ok := l.index[incoming.ID]; ok {
		if l.msgs[i].IsLocalEcho || l.msgs[i].Status != models.StatusConfirmed {
			// The authoritative copy takes the echo's place.
			l.msgs[i] = incoming
		} else {
			changed = false
		}
	} else {
		r.appendLocked(incoming)
	}
	r.mu.Unlock()

	if changed {
		r.emit(ev.RoomID)
	}
}

func (r *Reconciler) flushUnsent(ctx context.Context) {
	r.mu.Lock()
	var pending []models.Message
	for _, l := range r.rooms {
		for _, m := range l.msgs {
			if m.Status == models.StatusUnsent {
				pending = append(pending, m)
			}
		}
	}
	r.mu.Unlock()

	for _, m := range pending {
		if err := r.Retry(ctx, m.RoomID, m.ID); err != nil {
			r.logger.Warn().Err(err).Str("message_id", m.ID).Msg("resend failed")
		}
	}
}

func (r *Reconciler) roomLocked(roomID string) *roomLog {
	l, ok := r.rooms[roomID]
	if !ok {
		l = &roomLog{index: make(map[string]int)}
		r.rooms[roomID] = l
	}
	return l
}

func (r *Reconciler) appendLocked(m models.Message) {
	l := r.roomLocked(m.RoomID)
	l.index[m.ID] = len(l.msgs)
	l.msgs = append(l.msgs, m)
}

// setStatus updates a local echo that has not been confirmed yet.
func (r *Reconciler) setStatus(roomID, id string, s models.MessageStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.rooms[roomID]
	if l == nil {
		return false
	}
	i, ok := l.index[id]
	if !ok || !l.msgs[i].IsLocalEcho || l.msgs[i].Status == s {
		return false
	}
	l.msgs[i].Status = s
	return true
}

func (r *Reconciler) publish(ctx context.Context, event string, payload any) {
	if err := r.ch.Publish(ctx, event, payload); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		r.logger.Debug().Err(err).Str("event", event).Msg("publish failed")
	}
}

func (r *Reconciler) emit(roomID string) {
	for _, fn := range r.observers.Snapshot() {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error().Interface("panic", p).Msg("transcript observer panicked")
				}
			}()
			fn(roomID)
		}()
	}
}

func sendPayload(m models.Message) models.SendMessagePayload {
	return models.SendMessagePayload{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Message:   m.Body,
		UserID:    m.SenderID,
		UserName:  m.SenderName,
		Timestamp: m.SentAt,
	}
}

// newMessageID is "<unix millis>-<random suffix>".
func newMessageID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
}
