package rabbitmq

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes JSON events to a topic exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

// NewPublisher builds a RabbitMQ publisher or a noop publisher when AMQP is disabled or unreachable.
func NewPublisher(amqpURL, exchange string, logger *slog.Logger) Publisher {
	logger = logger.With(slog.String("component", "rabbitmq"))
	if amqpURL == "" {
		logger.Info("rabbitmq disabled, using noop", slog.String("reason", "empty amqp url"))
		return noopPublisher{reason: "empty amqp url", logger: logger}
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		logger.Warn("rabbitmq disabled, using noop", slog.Any("error", err))
		return noopPublisher{reason: err.Error(), logger: logger}
	}

	ch, err := conn.Channel()
	if err != nil {
		logger.Warn("rabbitmq disabled, using noop", slog.Any("error", err))
		_ = conn.Close()
		return noopPublisher{reason: err.Error(), logger: logger}
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		logger.Warn("rabbitmq disabled, using noop", slog.Any("error", err))
		_ = ch.Close()
		_ = conn.Close()
		return noopPublisher{reason: err.Error(), logger: logger}
	}

	logger.Info("rabbitmq connected", slog.String("exchange", exchange))
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange, logger: logger}
}

type amqpPublisher struct {
	mu       sync.Mutex // amqp channels are not safe for concurrent publishes
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	table := amqp.Table{}
	for key, value := range headers {
		table[key] = value
	}

	p.mu.Lock()
	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      table,
		Body:         body,
	})
	p.mu.Unlock()
	if err != nil {
		p.logger.Error("rabbitmq publish failed", slog.String("routingKey", routingKey), slog.Any("error", err))
	}
	return err
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type noopPublisher struct {
	reason string
	logger *slog.Logger
}

func (p noopPublisher) Publish(_ context.Context, routingKey string, event any, headers map[string]string) error {
	if p.logger != nil {
		p.logger.Debug("rabbitmq noop publish",
			slog.String("routingKey", routingKey),
			slog.String("requestID", headers["x-request-id"]),
			slog.String("type", eventType(event)),
		)
	}
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

type typedEvent interface {
	Type() string
}

func eventType(event any) string {
	if t, ok := event.(typedEvent); ok {
		return t.Type()
	}
	return "unknown"
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

func PublisherNoopReason(p Publisher) string {
	if publisher, ok := p.(noopPublisher); ok {
		return publisher.reason
	}
	return ""
}
