package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crewchat/internal/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsReadLimit  = 1 << 20
	kindWS       = "websocket"
	defaultWSURL = "/ws"
)

// WebSocketDialer opens a persistent websocket channel.
type WebSocketDialer struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Path defaults to /ws.
	Path string
}

// Dial connects to endpoint, which may use http(s) or ws(s) schemes.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string, auth Auth) (Transport, error) {
	target, err := websocketURL(endpoint, d.path(), auth)
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	if auth.Token != "" {
		header.Set("Authorization", "Bearer "+auth.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("websocket handshake: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return newWSTransport(conn), nil
}

func (d *WebSocketDialer) path() string {
	if d.Path == "" {
		return defaultWSURL
	}
	return d.Path
}

func websocketURL(endpoint, path string, auth Auth) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	q := u.Query()
	if auth.Token != "" {
		q.Set("token", auth.Token)
	}
	if auth.UserID != "" {
		q.Set("userId", auth.UserID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	t := &wsTransport{conn: conn}
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return t
}

func (t *wsTransport) Kind() string { return kindWS }

func (t *wsTransport) Send(ctx context.Context, f models.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteJSON(f)
}

func (t *wsTransport) Receive(_ context.Context) (models.Frame, error) {
	var f models.Frame
	if err := t.conn.ReadJSON(&f); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return models.Frame{}, ErrClosed
		}
		return models.Frame{}, err
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	return f, nil
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
