/**
 * @description
 * This package provides a simple producer for publishing lifecycle and
 * reconciliation events to RabbitMQ. The notification dispatcher consumes
 * these events to fire SMS messages; publishing is fire-and-forget from the
 * caller's point of view and must never affect a committed transition.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

const loanEventsExchange = "loan_events"

// LoanEvent is the payload published on loan lifecycle transitions. The
// routing key is the event type (e.g. "loan.disbursed").
type LoanEvent struct {
	Type              string    `json:"type"`
	LoanID            uuid.UUID `json:"loan_id"`
	UserID            uuid.UUID `json:"user_id"`
	Amount            int64     `json:"amount"`
	Reference         string    `json:"reference"`
	ExternalReference string    `json:"external_reference,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// ReconciliationAlert is the payload published when reconciliation needs
// operator attention (unmatched, stale, or mismatched provider events).
type ReconciliationAlert struct {
	Type              string    `json:"type"`
	ExternalReference string    `json:"external_reference"`
	Amount            int64     `json:"amount"`
	Detail            string    `json:"detail"`
	Timestamp         time.Time `json:"timestamp"`
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishLoanEvent(ctx context.Context, event LoanEvent) error
	PublishReconciliationAlert(ctx context.Context, alert ReconciliationAlert) error
	Close()
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) PublishLoanEvent(ctx context.Context, event LoanEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"loan event publish skipped\" type=%s loan_id=%s", event.Type, event.LoanID)
	return nil
}

func (p *EventProducerFallback) PublishReconciliationAlert(ctx context.Context, alert ReconciliationAlert) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"reconciliation alert publish skipped\" type=%s reference=%s", alert.Type, alert.ExternalReference)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		// Attempt simple channel reopen once
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				if err2 := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err2 != nil {
					return err2
				}
			} else {
				return chErr
			}
		} else {
			return err
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	err = p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        jsonBody,
		},
	)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		// One-shot retry: reopen channel and try again
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				// re-declare exchange and retry
				if exErr := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr == nil {
					err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
						ContentType: "application/json",
						Timestamp:   time.Now(),
						Body:        jsonBody,
					})
					if err == nil {
						return nil
					}
				}
			}
		}
		return err
	}
	return nil
}

// PublishLoanEvent publishes a lifecycle event to the loan_events exchange.
func (p *EventProducer) PublishLoanEvent(ctx context.Context, event LoanEvent) error {
	return p.Publish(ctx, loanEventsExchange, event.Type, event)
}

// PublishReconciliationAlert publishes an operator alert to the loan_events exchange.
func (p *EventProducer) PublishReconciliationAlert(ctx context.Context, alert ReconciliationAlert) error {
	return p.Publish(ctx, loanEventsExchange, alert.Type, alert)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
