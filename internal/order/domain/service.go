package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type ItemRequest struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Quantity   int64  `json:"quantity"`
	UnitAmount int64  `json:"unit_amount"`
}

type CreateOrderRequest struct {
	BuyerID       string        `json:"-"`
	Items         []ItemRequest `json:"items"`
	Currency      string        `json:"currency,omitempty"`
	PaymentMethod string        `json:"payment_method"`
}

type ConfirmPaymentRequest struct {
	BuyerID         string `json:"-"`
	OrderID         string `json:"-"`
	TransactionHash string `json:"transaction_hash"`
	WalletAddress   string `json:"wallet_address"`
}

type CancelOrderRequest struct {
	BuyerID string
	OrderID string
}

// CreatePaidOrderRequest creates an order and records its verified payment in one write.
type CreatePaidOrderRequest struct {
	BuyerID         string
	Items           []ItemRequest
	Currency        string
	PaymentMethod   string
	TransactionHash string
	WalletAddress   string
}

type OrderResponse struct {
	ID              string     `json:"id"`
	BuyerID         string     `json:"buyer_id"`
	Items           []Item     `json:"items"`
	TotalAmount     int64      `json:"total_amount"`
	Currency        string     `json:"currency"`
	PaymentMethod   string     `json:"payment_method"`
	TransactionHash string     `json:"transaction_hash,omitempty"`
	PayerAddress    string     `json:"payer_address,omitempty"`
	Status          Status     `json:"status"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
}

func NewOrderResponse(o *Order, version int64) *OrderResponse {
	s := o.Snapshot()
	return &OrderResponse{
		ID:              s.ID.String(),
		BuyerID:         s.BuyerID,
		Items:           s.Items,
		TotalAmount:     s.TotalAmount,
		Currency:        s.Currency,
		PaymentMethod:   s.PaymentMethod,
		TransactionHash: s.TransactionHash,
		PayerAddress:    s.PayerAddress,
		Status:          s.Status,
		Version:         version,
		CreatedAt:       s.CreatedAt,
		PaidAt:          s.PaidAt,
		DeliveredAt:     s.DeliveredAt,
		CancelledAt:     s.CancelledAt,
	}
}

type Service interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderResponse, error)
	ConfirmPayment(ctx context.Context, req ConfirmPaymentRequest) (*OrderResponse, error)
	CancelOrder(ctx context.Context, req CancelOrderRequest) (*OrderResponse, error)
	GetOrder(ctx context.Context, buyerID, orderID string) (*OrderResponse, error)
	MarkDelivered(ctx context.Context, orderID snowflake.ID) error
	CreatePaidOrder(ctx context.Context, req CreatePaidOrderRequest) (*OrderResponse, error)
}
