package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"crewchat/internal/auth"
	"crewchat/internal/models"
	"crewchat/internal/observability"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandler serves GET /ws.
type WebSocketHandler struct {
	hub    *Hub
	secret string
}

// NewWebSocketHandler constructs a WebSocketHandler.
func NewWebSocketHandler(hub *Hub, secret string) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, secret: secret}
}

// Handle authenticates, upgrades the connection and registers a peer.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("crewchat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	claims, err := auth.Parse(h.secret, auth.BearerToken(c.GetHeader("Authorization"), c.Query("token")))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if uid := c.Query("userId"); uid != "" && uid != claims.UserID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token does not match user"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := connInfoFromRequest(c.Request, claims.UserID, claims.UserName, span.SpanContext().TraceID().String())
	p := h.hub.NewPeer(info, transportWebSocket)
	// The request context ends when the handler returns.
	pctx := context.WithoutCancel(ctx)
	h.hub.Register(pctx, p)

	go h.writePump(conn, p)
	go h.readPump(pctx, conn, p)
}

func (h *WebSocketHandler) readPump(ctx context.Context, conn *websocket.Conn, p *Peer) {
	reason := ""
	defer func() {
		h.hub.Unregister(ctx, p, reason)
		conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			reason = err.Error()
			if r := p.closeReason(); r != "" {
				reason = r
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				publishWSEvent(ctx, p.transport, "ws_error", p.info, reason)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var f models.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			observability.IncFrame("", "rejected")
			h.hub.reject(p, errBadPayload.Error())
			continue
		}
		h.hub.Handle(ctx, p, f)
	}
}

func (h *WebSocketHandler) writePump(conn *websocket.Conn, p *Peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case f := <-p.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				p.close("write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close("ping failed")
				return
			}
		case <-p.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, p.closeReason()),
				time.Now().Add(writeWait))
			return
		}
	}
}
