package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	applog "crewchat/internal/log"
	"crewchat/internal/models"
	"crewchat/internal/observability"
)

const (
	roomPrefix = "room:"
	userPrefix = "user:"

	defaultRateLimit = rate.Limit(20)
	defaultBurst     = 40
	persistTimeout   = 5 * time.Second
)

// MessageStore persists room messages. CreateRoomMessage reports false when
// the id was already stored.
type MessageStore interface {
	CreateRoomMessage(ctx context.Context, msg models.Message) (bool, error)
}

// AuditSink receives operator-facing events. *telemetry.AuditEmitter
// implements it.
type AuditSink interface {
	Emit(ctx context.Context, level, text, requestID string, userID *string)
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithMessageStore persists every accepted send_message.
func WithMessageStore(s MessageStore) HubOption {
	return func(h *Hub) { h.store = s }
}

// WithAuditSink reports messages that were relayed but could not be stored.
func WithAuditSink(a AuditSink) HubOption {
	return func(h *Hub) { h.audit = a }
}

// WithRateLimit sets the per-peer inbound frame rate.
func WithRateLimit(limit rate.Limit, burst int) HubOption {
	return func(h *Hub) {
		h.limit = limit
		h.burst = burst
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// Hub relays events between peers. Rooms are named room:<id>, and every user
// has a personal room user:<id>.
type Hub struct {
	store  MessageStore
	audit  AuditSink
	limit  rate.Limit
	burst  int
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	peers map[*Peer]bool
	rooms map[string]map[*Peer]bool
	users map[string]int
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		limit:  defaultRateLimit,
		burst:  defaultBurst,
		logger: applog.Component("hub"),
		now:    time.Now,
		peers:  make(map[*Peer]bool),
		rooms:  make(map[string]map[*Peer]bool),
		users:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewPeer builds a peer with the hub's rate limit. It is not registered yet.
func (h *Hub) NewPeer(info ConnInfo, transport string) *Peer {
	return newPeer(info, transport, rate.NewLimiter(h.limit, h.burst))
}

// Register adds p, sends it the online snapshot and announces the user when
// this is their first connection.
func (h *Hub) Register(ctx context.Context, p *Peer) {
	uid := p.info.UserID

	h.mu.Lock()
	h.peers[p] = true
	h.users[uid]++
	first := h.users[uid] == 1
	others := h.otherPeersLocked(p)
	online := h.onlineLocked()
	h.mu.Unlock()

	observability.IncWSActive(p.transport)
	observability.SetOnlineUsers(len(online))
	publishWSEvent(ctx, p.transport, "ws_connect", p.info, "")
	h.logger.Info().Str("user_id", uid).Str("conn_id", p.info.ConnID).Str("transport", p.transport).Msg("peer registered")

	h.sendTo(p, models.EventOnlineUsers, online)
	if first {
		h.sendAll(others, models.EventUserOnline, uid)
	}
}

// Unregister removes p from every room. The user goes offline when p was
// their last connection. Safe to call more than once.
func (h *Hub) Unregister(ctx context.Context, p *Peer, reason string) {
	uid := p.info.UserID

	h.mu.Lock()
	if !h.peers[p] {
		h.mu.Unlock()
		return
	}
	delete(h.peers, p)
	type stop struct {
		room    string
		targets []*Peer
	}
	var stops []stop
	for roomID := range p.typing {
		delete(p.typing, roomID)
		stops = append(stops, stop{room: roomID, targets: h.roomPeersLocked(roomPrefix+roomID, p)})
	}
	for name := range p.rooms {
		h.leaveLocked(p, name)
	}
	h.users[uid]--
	last := h.users[uid] <= 0
	if last {
		delete(h.users, uid)
	}
	others := h.otherPeersLocked(p)
	onlineCount := len(h.users)
	h.mu.Unlock()

	p.close(reason)
	observability.DecWSActive(p.transport)
	observability.SetOnlineUsers(onlineCount)
	publishWSEvent(ctx, p.transport, "ws_disconnect", p.info, reason)
	h.logger.Info().Str("user_id", uid).Str("conn_id", p.info.ConnID).Str("reason", reason).Msg("peer unregistered")

	for _, s := range stops {
		h.sendAll(s.targets, models.EventUserStoppedTyping, models.StoppedTypingPayload{RoomID: s.room, UserID: uid})
	}
	if last {
		h.sendAll(others, models.EventUserOffline, uid)
	}
}

// OnlineUsers returns the ids of users with at least one connection.
func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineLocked()
}

// Shutdown closes every peer.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	peers := make([]*Peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()
	for _, p := range peers {
		h.Unregister(ctx, p, "server shutdown")
	}
}

// Handle applies one inbound frame from p.
func (h *Hub) Handle(ctx context.Context, p *Peer, f models.Frame) {
	if !p.limiter.Allow() {
		observability.IncFrame(f.Event, "limited")
		h.reject(p, "rate limit exceeded")
		return
	}

	var err error
	switch f.Event {
	case models.EventJoinUserRoom:
		err = h.joinUserRoom(p, f.Data)
	case models.EventJoinRoom:
		err = h.joinRoom(p, f.Data)
	case models.EventLeaveRoom:
		err = h.leaveRoom(p, f.Data)
	case models.EventSendMessage:
		err = h.sendMessage(ctx, p, f.Data)
	case models.EventStartTyping:
		err = h.startTyping(p, f.Data)
	case models.EventStopTyping:
		err = h.stopTyping(p, f.Data)
	case models.EventUpdateStatus:
		err = h.updateStatus(p, f.Data)
	default:
		err = errUnknownEvent
	}
	if err != nil {
		observability.IncFrame(f.Event, "rejected")
		h.logger.Debug().Err(err).Str("event", f.Event).Str("user_id", p.info.UserID).Msg("frame rejected")
		h.reject(p, err.Error())
		return
	}
	observability.IncFrame(f.Event, "ok")
}

func (h *Hub) joinUserRoom(p *Peer, data json.RawMessage) error {
	uid, err := models.ParseIdentity(data)
	if err != nil {
		return errBadPayload
	}
	if uid != p.info.UserID {
		return errForbidden
	}
	h.mu.Lock()
	h.joinLocked(p, userPrefix+uid)
	h.mu.Unlock()
	return nil
}

// joinRoom adds p to the room and resyncs its typing view: clear_typing first,
// then one user_typing per current typist.
func (h *Hub) joinRoom(p *Peer, data json.RawMessage) error {
	roomID, err := models.ParseRoomID(data)
	if err != nil {
		return errBadPayload
	}

	h.mu.Lock()
	h.joinLocked(p, roomPrefix+roomID)
	var typists []models.TypingPayload
	seen := map[string]bool{p.info.UserID: true}
	for q := range h.rooms[roomPrefix+roomID] {
		if q.typing[roomID] && !seen[q.info.UserID] {
			seen[q.info.UserID] = true
			typists = append(typists, models.TypingPayload{RoomID: roomID, UserID: q.info.UserID, UserName: q.info.UserName})
		}
	}
	h.mu.Unlock()

	sort.Slice(typists, func(i, j int) bool { return typists[i].UserID < typists[j].UserID })
	h.sendTo(p, models.EventClearTyping, map[string]string{"roomId": roomID})
	for _, t := range typists {
		h.sendTo(p, models.EventUserTyping, t)
	}
	return nil
}

func (h *Hub) leaveRoom(p *Peer, data json.RawMessage) error {
	roomID, err := models.ParseRoomID(data)
	if err != nil {
		return errBadPayload
	}

	h.mu.Lock()
	wasTyping := p.typing[roomID]
	delete(p.typing, roomID)
	h.leaveLocked(p, roomPrefix+roomID)
	targets := h.roomPeersLocked(roomPrefix+roomID, nil)
	h.mu.Unlock()

	if wasTyping {
		h.sendAll(targets, models.EventUserStoppedTyping, models.StoppedTypingPayload{RoomID: roomID, UserID: p.info.UserID})
	}
	return nil
}

// sendMessage persists and broadcasts a chat line to the whole room, sender
// included, keeping the client's id so its optimistic copy is reconciled.
func (h *Hub) sendMessage(ctx context.Context, p *Peer, data json.RawMessage) error {
	var in models.SendMessagePayload
	if err := json.Unmarshal(data, &in); err != nil {
		return errBadPayload
	}
	body := strings.TrimSpace(in.Message)
	if in.RoomID == "" || body == "" {
		return errBadPayload
	}

	h.mu.Lock()
	member := p.rooms[roomPrefix+in.RoomID]
	wasTyping := p.typing[in.RoomID]
	delete(p.typing, in.RoomID)
	h.mu.Unlock()
	if !member {
		return errNotMember
	}

	id := in.ID
	if id == "" {
		id = newConnID()
	}
	name := p.info.UserName
	if name == "" {
		name = in.UserName
	}
	msg := models.Message{
		ID:         id,
		RoomID:     in.RoomID,
		SenderID:   p.info.UserID,
		SenderName: name,
		Body:       body,
		SentAt:     h.now().UTC(),
	}

	if h.store != nil {
		pctx, cancel := context.WithTimeout(ctx, persistTimeout)
		created, err := h.store.CreateRoomMessage(pctx, msg)
		cancel()
		switch {
		case err != nil:
			h.logger.Error().Err(err).Str("message_id", id).Str("room_id", in.RoomID).Msg("persist message failed, relaying anyway")
			if h.audit != nil {
				uid := p.info.UserID
				h.audit.Emit(ctx, "ERROR", fmt.Sprintf("message %s in room %s relayed but not stored: %v", id, in.RoomID, err), p.info.RequestID, &uid)
			}
		case !created:
			h.logger.Debug().Str("message_id", id).Msg("duplicate send ignored")
			return nil
		}
	}

	h.mu.RLock()
	targets := h.roomPeersLocked(roomPrefix+in.RoomID, nil)
	h.mu.RUnlock()

	h.sendAll(targets, models.EventNewMessage, models.NewMessageEvent{
		ID:         msg.ID,
		RoomID:     msg.RoomID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Message:    msg.Body,
		Timestamp:  msg.SentAt,
	})
	h.sendAll(targets, models.EventUserStoppedTyping, models.StoppedTypingPayload{RoomID: in.RoomID, UserID: p.info.UserID})
	if wasTyping {
		h.logger.Debug().Str("room_id", in.RoomID).Str("user_id", p.info.UserID).Msg("typing cleared by send")
	}
	return nil
}

func (h *Hub) startTyping(p *Peer, data json.RawMessage) error {
	roomID, err := models.ParseRoomID(data)
	if err != nil {
		return errBadPayload
	}

	h.mu.Lock()
	if !p.rooms[roomPrefix+roomID] {
		h.mu.Unlock()
		return errNotMember
	}
	p.typing[roomID] = true
	targets := h.roomPeersLocked(roomPrefix+roomID, p)
	h.mu.Unlock()

	h.sendAll(targets, models.EventUserTyping, models.TypingPayload{RoomID: roomID, UserID: p.info.UserID, UserName: p.info.UserName})
	return nil
}

func (h *Hub) stopTyping(p *Peer, data json.RawMessage) error {
	roomID, err := models.ParseRoomID(data)
	if err != nil {
		return errBadPayload
	}

	h.mu.Lock()
	wasTyping := p.typing[roomID]
	delete(p.typing, roomID)
	targets := h.roomPeersLocked(roomPrefix+roomID, p)
	h.mu.Unlock()

	if wasTyping {
		h.sendAll(targets, models.EventUserStoppedTyping, models.StoppedTypingPayload{RoomID: roomID, UserID: p.info.UserID})
	}
	return nil
}

// updateStatus lets a user appear offline while connected. Only online and
// offline are announced.
func (h *Hub) updateStatus(p *Peer, data json.RawMessage) error {
	var in models.StatusPayload
	if err := json.Unmarshal(data, &in); err != nil || in.Status == "" {
		return errBadPayload
	}

	h.mu.Lock()
	changed := p.status != in.Status
	p.status = in.Status
	others := h.otherPeersLocked(p)
	h.mu.Unlock()

	if !changed {
		return nil
	}
	switch in.Status {
	case models.PresenceOnline:
		h.sendAll(others, models.EventUserOnline, p.info.UserID)
	case models.PresenceOffline:
		h.sendAll(others, models.EventUserOffline, p.info.UserID)
	}
	return nil
}

func (h *Hub) joinLocked(p *Peer, name string) {
	members, ok := h.rooms[name]
	if !ok {
		members = make(map[*Peer]bool)
		h.rooms[name] = members
	}
	members[p] = true
	p.rooms[name] = true
}

func (h *Hub) leaveLocked(p *Peer, name string) {
	delete(p.rooms, name)
	if members, ok := h.rooms[name]; ok {
		delete(members, p)
		if len(members) == 0 {
			delete(h.rooms, name)
		}
	}
}

func (h *Hub) roomPeersLocked(name string, except *Peer) []*Peer {
	members := h.rooms[name]
	out := make([]*Peer, 0, len(members))
	for q := range members {
		if q != except {
			out = append(out, q)
		}
	}
	return out
}

func (h *Hub) otherPeersLocked(except *Peer) []*Peer {
	out := make([]*Peer, 0, len(h.peers))
	for q := range h.peers {
		if q != except {
			out = append(out, q)
		}
	}
	return out
}

func (h *Hub) onlineLocked() []string {
	online := make([]string, 0, len(h.users))
	for uid := range h.users {
		online = append(online, uid)
	}
	sort.Strings(online)
	return online
}

func (h *Hub) reject(p *Peer, reason string) {
	h.sendTo(p, models.EventError, models.ErrorPayload{Message: reason})
}

func (h *Hub) sendTo(p *Peer, event string, payload any) {
	f, err := models.NewFrame(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("encode frame")
		return
	}
	p.enqueue(f)
}

func (h *Hub) sendAll(peers []*Peer, event string, payload any) {
	if len(peers) == 0 {
		return
	}
	f, err := models.NewFrame(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("encode frame")
		return
	}
	for _, p := range peers {
		p.enqueue(f)
	}
}
