package ws

import (
	"context"
	"time"

	"crewchat/internal/observability"
)

const wsRoutingKey = "ws_events.sessions"

// publishWSEvent emits a ws_events envelope and bumps the matching counter.
func publishWSEvent(ctx context.Context, transport, event string, info ConnInfo, reason string) {
	observability.IncWSEvent(transport, event)

	duration := int64(0)
	if event != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        transport,
			"resource_id": info.UserID,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": duration,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	_ = observability.PublishEvent(ctx, wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, headers)
}
