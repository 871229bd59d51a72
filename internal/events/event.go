package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrUnknownEventType = errors.New("unknown_event_type")
	ErrInvalidHandler   = errors.New("invalid_handler")
)

// Event is an immutable fact about a committed state transition.
type Event interface {
	EventType() string
	AggregateID() string
	OccurredAt() time.Time
}

// Handler reacts to a published event. It may issue further commands.
type Handler func(ctx context.Context, evt Event) error

// Codec serialises events for the outbox and the handler failure queue.
type Codec struct {
	mu       sync.RWMutex
	decoders map[string]func([]byte) (Event, error)
}

func NewCodec() *Codec {
	return &Codec{decoders: make(map[string]func([]byte) (Event, error))}
}

// Register binds an event type name to its concrete Go type.
func Register[T Event](c *Codec, eventType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoders[eventType] = func(data []byte) (Event, error) {
		var evt T
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("decode %s: %w", eventType, err)
		}
		return evt, nil
	}
}

func (c *Codec) Encode(evt Event) ([]byte, error) {
	if evt == nil {
		return nil, errors.New("event is nil")
	}
	return json.Marshal(evt)
}

func (c *Codec) Decode(eventType string, data []byte) (Event, error) {
	c.mu.RLock()
	decode, ok := c.decoders[eventType]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	return decode(data)
}
