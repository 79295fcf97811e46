package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"vidflow/internal/logging"
)

// AMQPTransport publishes bus messages to a topic exchange using the bus
// topic as routing key.
type AMQPTransport struct {
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex
	ch *amqp.Channel
}

// DialAMQP connects to the broker and declares the durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPTransport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare exchange %s: %w", exchange, err)
	}
	return &AMQPTransport{conn: conn, exchange: exchange, ch: ch}, nil
}

func (t *AMQPTransport) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch.PublishWithContext(ctx, t.exchange, msg.Topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    msg.Timestamp,
		Type:         string(msg.Event),
		Body:         body,
	})
}

func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != nil {
		_ = t.ch.Close()
	}
	return t.conn.Close()
}

// RunAMQPRelay binds an exclusive auto-delete queue to the exchange and
// delivers every message to bus until ctx is cancelled.
func RunAMQPRelay(ctx context.Context, t *AMQPTransport, bus *Bus, logger *slog.Logger) error {
	logger = logging.NewComponentLogger(logger, "amqp-relay")
	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp relay channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("amqp relay queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "#", t.exchange, false, nil); err != nil {
		return fmt.Errorf("amqp relay bind: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp relay consume: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			msg, err := decodeMessage(d.Body, d.RoutingKey)
			if err != nil {
				logger.Warn("dropping malformed event", logging.String("routing_key", d.RoutingKey), logging.Error(err))
				continue
			}
			bus.Deliver(msg)
		}
	}
}
