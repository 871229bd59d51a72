package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var ErrNotFound = errors.New("dispatch_record_not_found")

// Record marks that goods for an order were handed to fulfilment. One per order.
type Record struct {
	ID        snowflake.ID `json:"id"`
	OrderID   snowflake.ID `json:"order_id"`
	CreatedAt time.Time    `json:"created_at"`
}

type Repository interface {
	// Create inserts rec unless the order already has a record. created reports whether rec was written.
	Create(ctx context.Context, rec Record) (created bool, err error)
	FindByOrder(ctx context.Context, orderID snowflake.ID) (*Record, error)
}

type Service interface {
	CreateForOrder(ctx context.Context, orderID snowflake.ID) (*Record, error)
	Get(ctx context.Context, orderID snowflake.ID) (*Record, error)
}
