package broker

import (
	"context"
	"errors"
)

var (
	ErrClosed       = errors.New("broker_closed")
	ErrNotConfirmed = errors.New("publish_not_confirmed")
	ErrEmptyQueue   = errors.New("queue_name_empty")
)

// Message is one broker delivery. ID is stable across redeliveries and is what consumers
// deduplicate on.
type Message struct {
	ID          string
	Queue       string
	Type        string
	Body        []byte
	Redelivered bool
}

// Handler processes a delivery. A nil error acknowledges it; any error requeues it.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	// Publish returns once the broker has durably accepted the message.
	Publish(ctx context.Context, msg Message) error
}

type Subscriber interface {
	// Consume blocks, delivering messages from queue to h until ctx is done.
	Consume(ctx context.Context, queue string, h Handler) error
}

type Broker interface {
	Publisher
	Subscriber
	Close() error
}
