package ws

import (
	"context"
	"time"

	"realtime-service/internal/observability"
)

const wsRoutingKey = "ws_events.connections"

type ConnInfo struct {
	ConnID      string
	UserID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

// publish emits a ws_events envelope describing this connection.
func (i ConnInfo) publish(ctx context.Context, event, reason string) {
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     i.ConnID,
			"duration_ms": time.Since(i.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   i.UserID,
			"device_id": i.DeviceID,
			"ip":        i.IP,
		},
	}
	_ = observability.PublishEvent(ctx, wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, observability.BuildHeaders(i.RequestID, i.TraceID))
}
