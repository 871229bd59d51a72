package domain

import (
	"time"

	"github.com/smallbiznis/verdant/internal/events"
)

const (
	EventOrderCreated   = "order.created"
	EventOrderPaid      = "order.paid"
	EventOrderDelivered = "order.delivered"
	EventOrderCancelled = "order.cancelled"
)

type OrderCreated struct {
	Order Snapshot  `json:"order"`
	At    time.Time `json:"occurred_at"`
}

func (e OrderCreated) EventType() string     { return EventOrderCreated }
func (e OrderCreated) AggregateID() string   { return e.Order.ID.String() }
func (e OrderCreated) OccurredAt() time.Time { return e.At }

type OrderPaid struct {
	Order Snapshot  `json:"order"`
	At    time.Time `json:"occurred_at"`
}

func (e OrderPaid) EventType() string     { return EventOrderPaid }
func (e OrderPaid) AggregateID() string   { return e.Order.ID.String() }
func (e OrderPaid) OccurredAt() time.Time { return e.At }

type OrderDelivered struct {
	Order Snapshot  `json:"order"`
	At    time.Time `json:"occurred_at"`
}

func (e OrderDelivered) EventType() string     { return EventOrderDelivered }
func (e OrderDelivered) AggregateID() string   { return e.Order.ID.String() }
func (e OrderDelivered) OccurredAt() time.Time { return e.At }

type OrderCancelled struct {
	Order Snapshot  `json:"order"`
	At    time.Time `json:"occurred_at"`
}

func (e OrderCancelled) EventType() string     { return EventOrderCancelled }
func (e OrderCancelled) AggregateID() string   { return e.Order.ID.String() }
func (e OrderCancelled) OccurredAt() time.Time { return e.At }

// RegisterEvents makes order events decodable from the outbox and retry queue.
func RegisterEvents(codec *events.Codec) {
	events.Register[OrderCreated](codec, EventOrderCreated)
	events.Register[OrderPaid](codec, EventOrderPaid)
	events.Register[OrderDelivered](codec, EventOrderDelivered)
	events.Register[OrderCancelled](codec, EventOrderCancelled)
}
