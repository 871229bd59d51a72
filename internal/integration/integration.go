package integration

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/verdant/internal/events"
	orderdomain "github.com/smallbiznis/verdant/internal/order/domain"
)

const SchemaVersion = 1

const (
	TypeOrderCreated   = "OrderCreatedIntegrationEvent"
	TypeOrderPaid      = "OrderPaidIntegrationEvent"
	TypeOrderDelivered = "OrderDeliveredIntegrationEvent"
	TypeOrderCancelled = "OrderCancelledIntegrationEvent"
)

var (
	ErrUnsupportedEvent = errors.New("unsupported_integration_event")
	ErrInvalidEnvelope  = errors.New("invalid_integration_envelope")
	ErrSchemaVersion    = errors.New("unsupported_schema_version")
)

// Event is the cross-process form of an order event. It carries identifiers only;
// consumers load whatever state they need.
type Event interface {
	IntegrationType() string
	OrderID() string
	OccurredAt() time.Time
}

type base struct {
	ID string
	At time.Time
}

func (b base) OrderID() string       { return b.ID }
func (b base) OccurredAt() time.Time { return b.At }

type OrderCreatedIntegrationEvent struct{ base }

func (OrderCreatedIntegrationEvent) IntegrationType() string { return TypeOrderCreated }

type OrderPaidIntegrationEvent struct{ base }

func (OrderPaidIntegrationEvent) IntegrationType() string { return TypeOrderPaid }

type OrderDeliveredIntegrationEvent struct{ base }

func (OrderDeliveredIntegrationEvent) IntegrationType() string { return TypeOrderDelivered }

type OrderCancelledIntegrationEvent struct{ base }

func (OrderCancelledIntegrationEvent) IntegrationType() string { return TypeOrderCancelled }

// Convert maps a domain event to its integration event. It has no side effects.
func Convert(evt events.Event) (Event, error) {
	switch e := evt.(type) {
	case orderdomain.OrderCreated:
		return OrderCreatedIntegrationEvent{base{e.AggregateID(), e.At.UTC()}}, nil
	case orderdomain.OrderPaid:
		return OrderPaidIntegrationEvent{base{e.AggregateID(), e.At.UTC()}}, nil
	case orderdomain.OrderDelivered:
		return OrderDeliveredIntegrationEvent{base{e.AggregateID(), e.At.UTC()}}, nil
	case orderdomain.OrderCancelled:
		return OrderCancelledIntegrationEvent{base{e.AggregateID(), e.At.UTC()}}, nil
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrUnsupportedEvent)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, evt.EventType())
	}
}

// Envelope is the JSON body published to the broker.
type Envelope struct {
	EventType     string    `json:"event_type"`
	OrderID       string    `json:"order_id"`
	OccurredAt    time.Time `json:"occurred_at"`
	SchemaVersion int       `json:"schema_version"`
}

func Encode(evt Event) ([]byte, error) {
	if evt == nil {
		return nil, ErrUnsupportedEvent
	}
	return json.Marshal(Envelope{
		EventType:     evt.IntegrationType(),
		OrderID:       evt.OrderID(),
		OccurredAt:    evt.OccurredAt().UTC(),
		SchemaVersion: SchemaVersion,
	})
}

func Decode(body []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	if env.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrSchemaVersion, env.SchemaVersion)
	}
	if strings.TrimSpace(env.OrderID) == "" {
		return nil, fmt.Errorf("%w: missing order_id", ErrInvalidEnvelope)
	}

	b := base{ID: env.OrderID, At: env.OccurredAt.UTC()}
	switch env.EventType {
	case TypeOrderCreated:
		return OrderCreatedIntegrationEvent{b}, nil
	case TypeOrderPaid:
		return OrderPaidIntegrationEvent{b}, nil
	case TypeOrderDelivered:
		return OrderDeliveredIntegrationEvent{b}, nil
	case TypeOrderCancelled:
		return OrderCancelledIntegrationEvent{b}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, env.EventType)
	}
}

// Queue names the durable queue for an integration event type.
func Queue(prefix, integrationType string) string {
	name := toSnake(strings.TrimSuffix(integrationType, "IntegrationEvent"))
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Types lists every integration event type the converter can produce.
func Types() []string {
	return []string{TypeOrderCreated, TypeOrderPaid, TypeOrderDelivered, TypeOrderCancelled}
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
