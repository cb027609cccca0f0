package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const DefaultAMQPQueue = "queue.token.announcements"

// AMQPNotifier publishes announcements as persistent JSON messages to a
// durable queue. It keeps one connection and redials once when a publish
// finds it closed.
type AMQPNotifier struct {
	url    string
	queue  string
	logger zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPNotifier(url, queue string, logger zerolog.Logger) (*AMQPNotifier, error) {
	if queue == "" {
		queue = DefaultAMQPQueue
	}
	n := &AMQPNotifier{
		url:    url,
		queue:  queue,
		logger: logger.With().Str("component", "amqp").Str("queue", queue).Logger(),
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.connectLocked(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *AMQPNotifier) connectLocked() error {
	conn, err := amqp.Dial(n.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if _, err := ch.QueueDeclare(n.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	n.conn = conn
	n.ch = ch
	return nil
}

func (n *AMQPNotifier) resetLocked() {
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		_ = n.conn.Close()
	}
	n.ch = nil
	n.conn = nil
}

func (n *AMQPNotifier) Notify(ctx context.Context, a Announcement) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         string(a.Kind),
		Body:         body,
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for attempt := 0; attempt < 2; attempt++ {
		if n.ch == nil || n.ch.IsClosed() {
			n.resetLocked()
			if err = n.connectLocked(); err != nil {
				continue
			}
		}
		err = n.ch.PublishWithContext(ctx, "", n.queue, false, false, msg)
		if err == nil {
			return nil
		}
		n.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("publish failed")
		n.resetLocked()
	}
	return err
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []error
	if n.ch != nil {
		errs = append(errs, n.ch.Close())
	}
	if n.conn != nil {
		errs = append(errs, n.conn.Close())
	}
	n.ch = nil
	n.conn = nil
	return errors.Join(errs...)
}
