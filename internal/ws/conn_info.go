package ws

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"crewchat/internal/observability"
)

// ConnInfo describes who is on the other side of a peer.
type ConnInfo struct {
	ConnID      string
	UserID      string
	UserName    string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func connInfoFromRequest(r *http.Request, userID, userName, traceID string) ConnInfo {
	meta := observability.MetaFromRequest(r)
	return ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		UserName:    userName,
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   meta.RequestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
}

func newConnID() string {
	return uuid.NewString()
}
