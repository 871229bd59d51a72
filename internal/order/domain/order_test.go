package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestOrder(t *testing.T) *Order {
	t.Helper()
	o, err := New(42, "user-1", []Item{{SKU: "sku-a", Name: "A", Quantity: 2, UnitAmount: 150}}, "usdt", "Ethereum", t0)
	require.NoError(t, err)
	return o
}

func TestNewComputesTotalAndEmitsCreated(t *testing.T) {
	o := newTestOrder(t)

	assert.Equal(t, StatusCreated, o.Status())
	assert.EqualValues(t, 300, o.TotalAmount())
	assert.Equal(t, "USDT", o.Currency())
	assert.Equal(t, "ethereum", o.PaymentMethod())

	evts := o.Events()
	require.Len(t, evts, 1)
	created, ok := evts[0].(OrderCreated)
	require.True(t, ok)
	assert.Equal(t, "42", created.AggregateID())
	assert.Equal(t, StatusCreated, created.Order.Status)
}

func TestNewValidatesInput(t *testing.T) {
	items := []Item{{SKU: "a", Quantity: 1, UnitAmount: 10}}
	cases := []struct {
		name    string
		buyer   string
		items   []Item
		method  string
		wantErr error
	}{
		{"missing buyer", " ", items, "ethereum", ErrInvalidBuyer},
		{"no items", "u", nil, "ethereum", ErrInvalidItems},
		{"zero quantity", "u", []Item{{SKU: "a", Quantity: 0, UnitAmount: 1}}, "ethereum", ErrInvalidItems},
		{"free order", "u", []Item{{SKU: "a", Quantity: 1, UnitAmount: 0}}, "ethereum", ErrInvalidAmount},
		{"missing method", "u", items, "", ErrInvalidPaymentMethod},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(1, tc.buyer, tc.items, "USDT", tc.method, t0)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestMarkPaidTransitionsOnce(t *testing.T) {
	o := newTestOrder(t)
	o.PullEvents()

	require.NoError(t, o.MarkPaid(" 0xABCDEF ", "0xPayer", t0.Add(time.Minute)))
	assert.Equal(t, StatusPaid, o.Status())
	assert.Equal(t, "0xabcdef", o.TransactionHash())

	evts := o.PullEvents()
	require.Len(t, evts, 1)
	paid, ok := evts[0].(OrderPaid)
	require.True(t, ok)
	assert.Equal(t, "0xabcdef", paid.Order.TransactionHash)
	require.NotNil(t, paid.Order.PaidAt)

	assert.ErrorIs(t, o.MarkPaid("0x1", "0xPayer", t0), ErrAlreadyPaid)
	assert.Empty(t, o.Events(), "failed transitions emit nothing")
}

func TestMarkPaidRejectsCancelledOrder(t *testing.T) {
	o := newTestOrder(t)
	require.NoError(t, o.Cancel(t0))
	assert.ErrorIs(t, o.MarkPaid("0x1", "0xPayer", t0), ErrInvalidTransition)
}

func TestMarkPaidRequiresHashAndPayer(t *testing.T) {
	o := newTestOrder(t)
	assert.ErrorIs(t, o.MarkPaid("  ", "0xPayer", t0), ErrInvalidTransactionHash)
	assert.ErrorIs(t, o.MarkPaid("0x1", "", t0), ErrInvalidPayer)
	assert.Equal(t, StatusCreated, o.Status())
}

func TestStatusMovesForwardOnly(t *testing.T) {
	o := newTestOrder(t)

	assert.ErrorIs(t, o.MarkDelivered(t0), ErrInvalidTransition)
	require.NoError(t, o.MarkPaid("0x1", "0xPayer", t0))
	assert.ErrorIs(t, o.Cancel(t0), ErrInvalidTransition)
	require.NoError(t, o.MarkDelivered(t0))
	assert.Equal(t, StatusDelivered, o.Status())

	assert.ErrorIs(t, o.MarkDelivered(t0), ErrInvalidTransition)
	assert.ErrorIs(t, o.Cancel(t0), ErrInvalidTransition)
	assert.ErrorIs(t, o.MarkPaid("0x2", "0xPayer", t0), ErrAlreadyPaid)

	types := []string{}
	for _, evt := range o.PullEvents() {
		types = append(types, evt.EventType())
	}
	assert.Equal(t, []string{EventOrderCreated, EventOrderPaid, EventOrderDelivered}, types)
}

func TestRehydrateEmitsNothing(t *testing.T) {
	o := Rehydrate(Snapshot{ID: 7, BuyerID: "u", Status: StatusPaid})
	assert.Empty(t, o.Events())
	assert.Equal(t, StatusPaid, o.Status())
}

func TestMembershipPlan(t *testing.T) {
	s := Snapshot{Items: []Item{{SKU: "sticker"}, {SKU: MembershipSKU("Yearly")}}}
	plan, ok := s.MembershipPlan()
	assert.True(t, ok)
	assert.Equal(t, "yearly", plan)

	_, ok = Snapshot{Items: []Item{{SKU: "sticker"}}}.MembershipPlan()
	assert.False(t, ok)
}
