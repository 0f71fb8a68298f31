package observability

import (
	"context"
	"sync/atomic"
)

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// Publisher is satisfied by the rabbitmq publishers.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

type publisherHolder struct{ Publisher }

var defaultPublisher atomic.Pointer[publisherHolder]

func SetPublisher(publisher Publisher) {
	if publisher == nil {
		defaultPublisher.Store(nil)
		return
	}
	defaultPublisher.Store(&publisherHolder{publisher})
}

// PublishEvent sends message through the process publisher, counting failures.
func PublishEvent(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	holder := defaultPublisher.Load()
	if holder == nil {
		return nil
	}

	err := holder.Publish(ctx, routingKey, message, headers)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}

func (e EventEnvelope) Type() string { return e.EventType }
