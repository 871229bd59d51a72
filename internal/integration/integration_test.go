package integration

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/events"
	orderdomain "github.com/smallbiznis/verdant/internal/order/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type otherEvent struct{}

func (otherEvent) EventType() string     { return "widget.shipped" }
func (otherEvent) AggregateID() string   { return "w-1" }
func (otherEvent) OccurredAt() time.Time { return time.Time{} }

func TestConvertCoversEveryOrderEvent(t *testing.T) {
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	snap := orderdomain.Snapshot{ID: snowflake.ID(77)}

	cases := []struct {
		in   events.Event
		want string
	}{
		{orderdomain.OrderCreated{Order: snap, At: at}, TypeOrderCreated},
		{orderdomain.OrderPaid{Order: snap, At: at}, TypeOrderPaid},
		{orderdomain.OrderDelivered{Order: snap, At: at}, TypeOrderDelivered},
		{orderdomain.OrderCancelled{Order: snap, At: at}, TypeOrderCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.in.EventType(), func(t *testing.T) {
			out, err := Convert(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out.IntegrationType())
			assert.Equal(t, "77", out.OrderID())
			assert.True(t, at.Equal(out.OccurredAt()))
		})
	}
}

func TestConvertRejectsForeignEvents(t *testing.T) {
	_, err := Convert(otherEvent{})
	assert.ErrorIs(t, err, ErrUnsupportedEvent)

	_, err = Convert(nil)
	assert.ErrorIs(t, err, ErrUnsupportedEvent)
}

func TestEnvelopeWireFormat(t *testing.T) {
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	evt, err := Convert(orderdomain.OrderPaid{Order: orderdomain.Snapshot{ID: 9}, At: at})
	require.NoError(t, err)

	body, err := Encode(evt)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event_type":"OrderPaidIntegrationEvent","order_id":"9","occurred_at":"2026-02-03T04:05:06Z","schema_version":1}`, string(body))

	decoded, err := Decode(body)
	require.NoError(t, err)
	assert.IsType(t, OrderPaidIntegrationEvent{}, decoded)
	assert.Equal(t, "9", decoded.OrderID())
}

func TestDecodeRejectsBadEnvelopes(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = Decode([]byte(`{"event_type":"OrderPaidIntegrationEvent","order_id":"9","schema_version":2}`))
	assert.ErrorIs(t, err, ErrSchemaVersion)

	_, err = Decode([]byte(`{"event_type":"OrderPaidIntegrationEvent","schema_version":1}`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = Decode([]byte(`{"event_type":"Refunded","order_id":"9","schema_version":1}`))
	assert.ErrorIs(t, err, ErrUnsupportedEvent)
}

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "verdant.order_paid", Queue("verdant", TypeOrderPaid))
	assert.Equal(t, "order_cancelled", Queue("", TypeOrderCancelled))
}
