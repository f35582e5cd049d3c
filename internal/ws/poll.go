package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"crewchat/internal/auth"
	applog "crewchat/internal/log"
	"crewchat/internal/models"
	"crewchat/internal/observability"
)

// PollHandler serves the long-polling fallback:
//
//	POST   /poll       open a session, returns {"sid": "..."}
//	GET    /poll/:sid  wait for frames (200 with a list, 204 when none arrived)
//	POST   /poll/:sid  push one frame
//	DELETE /poll/:sid  close the session
//
// A session whose peer is gone answers 410.
type PollHandler struct {
	hub     *Hub
	secret  string
	timeout time.Duration
	idle    time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*pollSession
}

type pollSession struct {
	peer     *Peer
	ctx      context.Context
	lastSeen time.Time
}

type pollOpenRequest struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// NewPollHandler holds each GET for at most timeout. Sessions not polled for
// twice that long are closed by the reaper.
func NewPollHandler(hub *Hub, secret string, timeout time.Duration) *PollHandler {
	return &PollHandler{
		hub:      hub,
		secret:   secret,
		timeout:  timeout,
		idle:     2 * timeout,
		logger:   applog.Component("poll"),
		now:      time.Now,
		sessions: make(map[string]*pollSession),
	}
}

// Start runs the idle reaper until ctx is done.
func (h *PollHandler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(h.idle / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.reap()
			}
		}
	}()
}

// Open handles POST /poll.
func (h *PollHandler) Open(c *gin.Context) {
	ctx, span := otel.Tracer("crewchat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	var req pollOpenRequest
	_ = c.ShouldBindJSON(&req)

	claims, err := auth.Parse(h.secret, auth.BearerToken(c.GetHeader("Authorization"), req.Token))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if req.UserID != "" && req.UserID != claims.UserID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token does not match user"})
		return
	}

	info := connInfoFromRequest(c.Request, claims.UserID, claims.UserName, span.SpanContext().TraceID().String())
	p := h.hub.NewPeer(info, transportPolling)
	sctx := context.WithoutCancel(ctx)

	h.mu.Lock()
	h.sessions[info.ConnID] = &pollSession{peer: p, ctx: sctx, lastSeen: h.now()}
	h.mu.Unlock()

	h.hub.Register(sctx, p)
	c.JSON(http.StatusOK, gin.H{"sid": info.ConnID})
}

// Poll handles GET /poll/:sid.
func (h *PollHandler) Poll(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	p := s.peer
	defer h.touch(s)

	frames := p.drain(nil)
	if len(frames) == 0 {
		timer := time.NewTimer(h.timeout)
		defer timer.Stop()
		select {
		case f := <-p.send:
			frames = p.drain(append(frames, f))
		case <-p.Done():
			h.gone(c, c.Param("sid"))
			return
		case <-timer.C:
			c.Status(http.StatusNoContent)
			return
		case <-c.Request.Context().Done():
			return
		}
	}
	c.JSON(http.StatusOK, frames)
}

// Push handles POST /poll/:sid.
func (h *PollHandler) Push(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	defer h.touch(s)

	var f models.Frame
	if err := c.ShouldBindJSON(&f); err != nil || f.Event == "" {
		observability.IncFrame("", "rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid frame"})
		return
	}
	h.hub.Handle(c.Request.Context(), s.peer, f)
	c.Status(http.StatusAccepted)
}

// Close handles DELETE /poll/:sid.
func (h *PollHandler) Close(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	h.mu.Lock()
	delete(h.sessions, c.Param("sid"))
	h.mu.Unlock()
	h.hub.Unregister(s.ctx, s.peer, "client closed")
	c.Status(http.StatusNoContent)
}

// session resolves :sid and checks that the caller owns it. It writes the
// error response itself.
func (h *PollHandler) session(c *gin.Context) (*pollSession, bool) {
	sid := c.Param("sid")
	h.mu.Lock()
	s, ok := h.sessions[sid]
	h.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return nil, false
	}

	claims, err := auth.Parse(h.secret, auth.BearerToken(c.GetHeader("Authorization"), c.Query("token")))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return nil, false
	}
	if claims.UserID != s.peer.UserID() {
		c.JSON(http.StatusForbidden, gin.H{"error": "session belongs to another user"})
		return nil, false
	}

	select {
	case <-s.peer.Done():
		h.gone(c, sid)
		return nil, false
	default:
	}
	h.touch(s)
	return s, true
}

func (h *PollHandler) gone(c *gin.Context, sid string) {
	h.mu.Lock()
	delete(h.sessions, sid)
	h.mu.Unlock()
	c.JSON(http.StatusGone, gin.H{"error": "session closed"})
}

func (h *PollHandler) touch(s *pollSession) {
	h.mu.Lock()
	s.lastSeen = h.now()
	h.mu.Unlock()
}

// reap closes sessions nobody has polled for a while. Closed sessions stay
// around one more idle period so a late poll still gets 410.
func (h *PollHandler) reap() {
	now := h.now()
	var idle []*pollSession

	h.mu.Lock()
	for sid, s := range h.sessions {
		quiet := now.Sub(s.lastSeen)
		select {
		case <-s.peer.Done():
			if quiet > 2*h.idle {
				delete(h.sessions, sid)
			}
			continue
		default:
		}
		if quiet > h.idle {
			idle = append(idle, s)
		}
	}
	h.mu.Unlock()

	for _, s := range idle {
		h.logger.Debug().Str("conn_id", s.peer.info.ConnID).Msg("poll session idle")
		h.hub.Unregister(s.ctx, s.peer, "poll timeout")
	}
}
