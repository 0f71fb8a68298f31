package telemetry

import (
	"context"
	"log/slog"
	"time"

	"realtime-service/internal/observability"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// AuditEmitter publishes audit_log envelopes for security relevant outcomes
// such as rejected handshakes and authorization denials.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	logger      *slog.Logger
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

func (e AuditEnvelope) Type() string { return e.EventType }

type AuditPayload struct {
	Level  string            `json:"level"`
	Text   string            `json:"text"`
	Fields map[string]string `json:"fields,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, logger *slog.Logger) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		logger:      logger.With(slog.String("component", "audit")),
		now:         time.Now,
	}
}

// Emit publishes one audit record. userID may be empty for unauthenticated callers.
func (e *AuditEmitter) Emit(ctx context.Context, level, text, requestID, userID string, fields map[string]string) {
	if e == nil || e.publisher == nil {
		return
	}

	var uid *string
	if userID != "" {
		uid = &userID
	}
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        uid,
		Payload: AuditPayload{
			Level:  level,
			Text:   text,
			Fields: fields,
		},
	}
	e.logger.Debug("audit emit", slog.String("level", level), slog.String("requestID", requestID), slog.String("text", text))

	if err := e.publisher.Publish(ctx, e.routingKey, envelope, observability.BuildHeaders(requestID, "")); err != nil {
		observability.IncAMQPPublishError()
		e.logger.Warn("audit publish failed", slog.Any("error", err))
	}
}
