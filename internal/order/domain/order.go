// Package domain holds the order aggregate and its lifecycle events.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/events"
)

type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusPaid      Status = "PAID"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

// MembershipSKUPrefix marks line items that grant a membership plan.
const MembershipSKUPrefix = "membership:"

func MembershipSKU(plan string) string {
	return MembershipSKUPrefix + strings.ToLower(strings.TrimSpace(plan))
}

type Item struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Quantity   int64  `json:"quantity"`
	UnitAmount int64  `json:"unit_amount"`
}

func (i Item) Amount() int64 { return i.Quantity * i.UnitAmount }

// Snapshot is the full persisted state of an order. Events carry it so handlers never reload.
type Snapshot struct {
	ID              snowflake.ID `json:"id"`
	BuyerID         string       `json:"buyer_id"`
	Items           []Item       `json:"items"`
	TotalAmount     int64        `json:"total_amount"`
	Currency        string       `json:"currency"`
	PaymentMethod   string       `json:"payment_method"`
	TransactionHash string       `json:"transaction_hash,omitempty"`
	PayerAddress    string       `json:"payer_address,omitempty"`
	Status          Status       `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	PaidAt          *time.Time   `json:"paid_at,omitempty"`
	DeliveredAt     *time.Time   `json:"delivered_at,omitempty"`
	CancelledAt     *time.Time   `json:"cancelled_at,omitempty"`
}

// MembershipPlan returns the plan granted by the order, if any.
func (s Snapshot) MembershipPlan() (string, bool) {
	for _, item := range s.Items {
		if plan, ok := strings.CutPrefix(item.SKU, MembershipSKUPrefix); ok && plan != "" {
			return plan, true
		}
	}
	return "", false
}

// Order is the aggregate root. All mutation goes through its methods; state changes
// record pending events that the repository persists with the new state.
type Order struct {
	state   Snapshot
	pending []events.Event
}

func New(id snowflake.ID, buyerID string, items []Item, currency, paymentMethod string, now time.Time) (*Order, error) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return nil, ErrInvalidBuyer
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return nil, ErrInvalidCurrency
	}
	paymentMethod = strings.ToLower(strings.TrimSpace(paymentMethod))
	if paymentMethod == "" {
		return nil, ErrInvalidPaymentMethod
	}
	if len(items) == 0 {
		return nil, ErrInvalidItems
	}

	var total int64
	copied := make([]Item, 0, len(items))
	for _, item := range items {
		item.SKU = strings.TrimSpace(item.SKU)
		if item.SKU == "" || item.Quantity <= 0 || item.UnitAmount < 0 {
			return nil, ErrInvalidItems
		}
		total += item.Amount()
		copied = append(copied, item)
	}
	if total <= 0 {
		return nil, ErrInvalidAmount
	}

	o := &Order{state: Snapshot{
		ID:            id,
		BuyerID:       buyerID,
		Items:         copied,
		TotalAmount:   total,
		Currency:      currency,
		PaymentMethod: paymentMethod,
		Status:        StatusCreated,
		CreatedAt:     now.UTC(),
	}}
	o.record(OrderCreated{Order: o.Snapshot(), At: o.state.CreatedAt})
	return o, nil
}

// Rehydrate rebuilds an order from storage without emitting events.
func Rehydrate(s Snapshot) *Order {
	s.Items = append([]Item(nil), s.Items...)
	return &Order{state: s}
}

// MarkPaid records a verified payment. Hash uniqueness across orders is enforced by the repository.
func (o *Order) MarkPaid(txHash, payerAddress string, now time.Time) error {
	switch o.state.Status {
	case StatusCreated:
	case StatusPaid, StatusDelivered:
		return ErrAlreadyPaid
	default:
		return ErrInvalidTransition
	}

	hash := NormalizeTxHash(txHash)
	if hash == "" {
		return ErrInvalidTransactionHash
	}
	payer := strings.TrimSpace(payerAddress)
	if payer == "" {
		return ErrInvalidPayer
	}

	paidAt := now.UTC()
	o.state.TransactionHash = hash
	o.state.PayerAddress = payer
	o.state.Status = StatusPaid
	o.state.PaidAt = &paidAt
	o.record(OrderPaid{Order: o.Snapshot(), At: paidAt})
	return nil
}

func (o *Order) MarkDelivered(now time.Time) error {
	if o.state.Status != StatusPaid {
		return ErrInvalidTransition
	}
	at := now.UTC()
	o.state.Status = StatusDelivered
	o.state.DeliveredAt = &at
	o.record(OrderDelivered{Order: o.Snapshot(), At: at})
	return nil
}

func (o *Order) Cancel(now time.Time) error {
	if o.state.Status != StatusCreated {
		return ErrInvalidTransition
	}
	at := now.UTC()
	o.state.Status = StatusCancelled
	o.state.CancelledAt = &at
	o.record(OrderCancelled{Order: o.Snapshot(), At: at})
	return nil
}

func (o *Order) ID() snowflake.ID        { return o.state.ID }
func (o *Order) BuyerID() string         { return o.state.BuyerID }
func (o *Order) Status() Status          { return o.state.Status }
func (o *Order) TotalAmount() int64      { return o.state.TotalAmount }
func (o *Order) Currency() string        { return o.state.Currency }
func (o *Order) PaymentMethod() string   { return o.state.PaymentMethod }
func (o *Order) TransactionHash() string { return o.state.TransactionHash }

// Snapshot returns a copy of the current state.
func (o *Order) Snapshot() Snapshot {
	s := o.state
	s.Items = append([]Item(nil), o.state.Items...)
	return s
}

// Events returns pending events without clearing them.
func (o *Order) Events() []events.Event {
	return append([]events.Event(nil), o.pending...)
}

// PullEvents returns and clears pending events. Call it once the state has been committed.
func (o *Order) PullEvents() []events.Event {
	out := o.pending
	o.pending = nil
	return out
}

func (o *Order) record(evt events.Event) {
	o.pending = append(o.pending, evt)
}

// NormalizeTxHash canonicalises a transaction hash so case variants collide on the unique index.
func NormalizeTxHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}
