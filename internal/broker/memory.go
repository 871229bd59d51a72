package broker

import (
	"context"
	"strings"
	"sync"
)

const memoryQueueDepth = 1024

// Memory is an in-process broker used when RabbitMQ is not configured and in tests.
// Failed deliveries are requeued at the tail, like a nack with requeue.
type Memory struct {
	mu        sync.Mutex
	queues    map[string]chan Message
	published map[string][]Message
	hook      func(Message) error
	closed    bool
}

func NewMemory() *Memory {
	return &Memory{
		queues:    make(map[string]chan Message),
		published: make(map[string][]Message),
	}
}

// FailWith installs a hook that can reject publishes. A nil hook accepts everything.
func (m *Memory) FailWith(hook func(Message) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(msg.Queue) == "" {
		return ErrEmptyQueue
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.hook != nil {
		if err := m.hook(msg); err != nil {
			return err
		}
	}
	q := m.queueLocked(msg.Queue)
	select {
	case q <- msg:
	default:
		return ErrNotConfirmed
	}
	m.published[msg.Queue] = append(m.published[msg.Queue], msg)
	return nil
}

func (m *Memory) Consume(ctx context.Context, queue string, h Handler) error {
	if strings.TrimSpace(queue) == "" {
		return ErrEmptyQueue
	}
	m.mu.Lock()
	q := m.queueLocked(queue)
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q:
			if err := h(ctx, msg); err != nil {
				msg.Redelivered = true
				select {
				case q <- msg:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// Published returns every message accepted for queue, in publish order.
func (m *Memory) Published(queue string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.published[queue]...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) queueLocked(name string) chan Message {
	q, ok := m.queues[name]
	if !ok {
		q = make(chan Message, memoryQueueDepth)
		m.queues[name] = q
	}
	return q
}
