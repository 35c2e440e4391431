package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrClosed is returned once the broker connection has gone away.
var ErrClosed = errors.New("rabbitmq connection closed")

// Publisher publishes JSON events to the chat topic exchange.
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error
	// Check reports whether events can currently reach the broker.
	Check(ctx context.Context) error
	Close() error
}

// NewPublisher dials the broker and declares the exchange. Any failure, or an
// empty URL, yields a noop publisher so the chat keeps working without a broker.
func NewPublisher(amqpURL, exchange string) Publisher {
	if amqpURL == "" {
		return newNoop("empty amqp url")
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return newNoop(err.Error())
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return newNoop(err.Error())
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return newNoop(err.Error())
	}

	p := &amqpPublisher{conn: conn, ch: ch, exchange: exchange}
	go p.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	log.Printf("rabbitmq connected exchange=%s", exchange)
	return p
}

type amqpPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	lost     error
}

func (p *amqpPublisher) watch(closed <-chan *amqp.Error) {
	reason, ok := <-closed
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok && reason != nil {
		log.Printf("rabbitmq connection lost: %v", reason)
		p.lost = reason
	}
	if p.lost == nil {
		p.lost = ErrClosed
	}
}

func (p *amqpPublisher) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	msg, err := buildPublishing(message, headers)
	if err != nil {
		return err
	}

	// A channel must not be shared by concurrent publishes.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lost != nil {
		return ErrClosed
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		log.Printf("rabbitmq publish failed routing_key=%s: %v", routingKey, err)
		return err
	}
	return nil
}

func (p *amqpPublisher) Check(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lost != nil || p.conn.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lost == nil {
		p.lost = ErrClosed
	}
	_ = p.ch.Close()
	return p.conn.Close()
}

func buildPublishing(message interface{}, headers map[string]string) (amqp.Publishing, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return amqp.Publishing{}, err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
	if len(headers) > 0 {
		msg.Headers = make(amqp.Table, len(headers))
		for k, v := range headers {
			msg.Headers[k] = v
		}
		msg.MessageId = headers["x-request-id"]
	}
	return msg, nil
}

// noopPublisher logs instead of publishing.
type noopPublisher struct {
	reason string
}

func newNoop(reason string) noopPublisher {
	log.Printf("rabbitmq disabled, using noop: %s", reason)
	return noopPublisher{reason: reason}
}

func (noopPublisher) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	log.Printf("rabbitmq noop publish routing_key=%s request_id=%s", routingKey, headers["x-request-id"])
	return nil
}

func (noopPublisher) Check(ctx context.Context) error { return nil }

func (noopPublisher) Close() error { return nil }

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

// PublisherNoopReason explains why the noop publisher was chosen.
func PublisherNoopReason(p Publisher) string {
	if n, ok := p.(noopPublisher); ok {
		return n.reason
	}
	return ""
}
