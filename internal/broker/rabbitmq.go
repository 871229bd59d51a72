package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQ publishes to durable queues on the default exchange with publisher confirms.
// A dropped connection or channel is re-established on the next Publish or Consume.
type RabbitMQ struct {
	url      string
	dial     func(url string) (*amqp.Connection, error)
	log      *zap.Logger
	prefetch int

	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	declared map[string]struct{}
	closed   bool
}

func DialRabbitMQ(ctx context.Context, url string, prefetch int, log *zap.Logger) (*RabbitMQ, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	log = log.Named("broker.rabbitmq")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Warn("rabbitmq dial failed, retrying", zap.Error(err))
		}
		return conn, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(10))
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	r := &RabbitMQ{
		url:      url,
		dial:     amqp.Dial,
		log:      log,
		prefetch: prefetch,
		conn:     conn,
		declared: make(map[string]struct{}),
	}
	if _, err := r.channelLocked(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) Publish(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.Queue) == "" {
		return ErrEmptyQueue
	}

	// confirms are matched per channel, so publishes on the shared channel are serialised
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	ch, err := r.channelLocked()
	if err != nil {
		return err
	}
	if err := r.declareLocked(ch, msg.Queue); err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		"",
		msg.Queue,
		false,
		false,
		amqp.Publishing{
			MessageId:     msg.ID,
			Type:          msg.Type,
			CorrelationId: uuid.NewString(),
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			Timestamp:     time.Now().UTC(),
			Body:          msg.Body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Queue, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm from %s: %w", msg.Queue, err)
	}
	if !acked {
		return fmt.Errorf("%w: %s", ErrNotConfirmed, msg.Queue)
	}
	return nil
}

func (r *RabbitMQ) Consume(ctx context.Context, queue string, h Handler) error {
	if strings.TrimSpace(queue) == "" {
		return ErrEmptyQueue
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	conn, err := r.connLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.Qos(r.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos on %s: %w", queue, err)
	}

	tag := "verdant-" + uuid.NewString()
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(tag, false)
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: delivery channel for %s", ErrClosed, queue)
			}
			msg := Message{
				ID:          d.MessageId,
				Queue:       queue,
				Type:        d.Type,
				Body:        d.Body,
				Redelivered: d.Redelivered,
			}
			if err := h(ctx, msg); err != nil {
				r.log.Warn("message handler failed, requeueing",
					zap.String("queue", queue),
					zap.String("message_id", d.MessageId),
					zap.Error(err),
				)
				if nerr := d.Nack(false, true); nerr != nil {
					return fmt.Errorf("nack %s: %w", d.MessageId, nerr)
				}
				continue
			}
			if aerr := d.Ack(false); aerr != nil {
				return fmt.Errorf("ack %s: %w", d.MessageId, aerr)
			}
		}
	}
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.conn == nil || r.conn.IsClosed() {
		return nil
	}
	return r.conn.Close()
}

// connLocked returns a live connection, dialling once if the previous one dropped. Callers
// retry on error: the relay through its row backoff, the consumer through Serve.
func (r *RabbitMQ) connLocked() (*amqp.Connection, error) {
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}
	conn, err := r.dial(r.url)
	if err != nil {
		return nil, fmt.Errorf("redial rabbitmq: %w", err)
	}
	r.log.Info("rabbitmq connection re-established")
	r.conn = conn
	r.pubCh = nil
	return conn, nil
}

// channelLocked returns the confirm-mode publish channel, reopening it after a drop.
// Queue declarations are per channel lifetime and are redone on the new one.
func (r *RabbitMQ) channelLocked() (*amqp.Channel, error) {
	if r.pubCh != nil && !r.pubCh.IsClosed() {
		return r.pubCh, nil
	}
	conn, err := r.connLocked()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	r.pubCh = ch
	r.declared = make(map[string]struct{})
	return ch, nil
}

func (r *RabbitMQ) declareLocked(ch *amqp.Channel, queue string) error {
	if _, ok := r.declared[queue]; ok {
		return nil
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	r.declared[queue] = struct{}{}
	return nil
}
