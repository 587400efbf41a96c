// Package broker mirrors orchestration events onto an AMQP exchange so other
// services (analytics, audit, billing) can follow session lifecycles.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"teleconsult/pkg/logger"
	"teleconsult/pkg/types"
)

// Publisher defines the interface for publishing messages to RabbitMQ.
type Publisher interface {
	Publish(exchange, routingKey string, body []byte) error
	Close() error
}

// AMQPPublisher publishes on one channel; streadway channels are not safe for
// concurrent publishing, so calls are serialised.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared map[string]bool
}

// NewAMQPPublisher creates a new AMQPPublisher and connects to RabbitMQ.
func NewAMQPPublisher(amqpURL string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	return &AMQPPublisher{conn: conn, channel: ch, declared: make(map[string]bool)}, nil
}

// Publish publishes a message to the given topic exchange, declaring it on first use.
func (p *AMQPPublisher) Publish(exchange, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[exchange] {
		err := p.channel.ExchangeDeclare(
			exchange,
			"topic",
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("amqp: declare exchange %s: %w", exchange, err)
		}
		p.declared[exchange] = true
	}
	return p.channel.Publish(
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
}

// Close closes the RabbitMQ connection and channel.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// EventMirror publishes orchestration events. Publish failures are logged and
// never reach the caller.
type EventMirror struct {
	publisher Publisher
	exchange  string
	log       *logrus.Entry
}

func NewEventMirror(publisher Publisher, exchange string, log *logger.Logger) *EventMirror {
	return &EventMirror{publisher: publisher, exchange: exchange, log: log.WithComponent("broker")}
}

// RoutingKey is "session.<event type>", e.g. "session.session_status".
func RoutingKey(event *types.Event) string {
	return "session." + event.Type
}

// Mirror publishes event. A nil mirror is a no-op.
func (m *EventMirror) Mirror(ctx context.Context, event *types.Event) {
	if m == nil || m.publisher == nil || event == nil {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		m.log.WithError(err).WithField("event_type", event.Type).Warn("Failed to encode mirrored event")
		return
	}
	if err := m.publisher.Publish(m.exchange, RoutingKey(event), body); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"event_type":     event.Type,
			"session_id":     event.SessionID,
			"correlation_id": logger.CorrelationID(ctx),
		}).Warn("Failed to mirror event to broker")
	}
}

// Close releases the underlying publisher.
func (m *EventMirror) Close() error {
	if m == nil || m.publisher == nil {
		return nil
	}
	return m.publisher.Close()
}
