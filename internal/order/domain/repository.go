package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Repository persists orders with optimistic concurrency. Save with expectedVersion 0 inserts;
// otherwise the stored version must match. Pending events are appended to the outbox in the
// same transaction.
type Repository interface {
	Save(ctx context.Context, order *Order, expectedVersion int64) (int64, error)
	Load(ctx context.Context, id snowflake.ID) (*Order, int64, error)
	FindByTransactionHash(ctx context.Context, txHash string) (*Order, int64, error)
}
