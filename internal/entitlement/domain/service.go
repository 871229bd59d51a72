package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Repository interface {
	Load(ctx context.Context, userID string) (*Ledger, error)
	// Insert creates the ledger unless one already exists.
	Insert(ctx context.Context, l *Ledger) error
	Update(ctx context.Context, l *Ledger, expectedVersion int64) (int64, error)
	// Apply records the application and writes the ledger in one transaction. applied is
	// false, and nothing is written, when the order was applied before.
	Apply(ctx context.Context, app Application, l *Ledger, expectedVersion int64) (applied bool, err error)
	FindApplication(ctx context.Context, orderID snowflake.ID) (*Application, error)
	ListStalePeriods(ctx context.Context, before time.Time, limit int) ([]string, error)
}

type Service interface {
	ApplyMembershipPurchase(ctx context.Context, userID string, plan Plan, orderID snowflake.ID) (*Status, error)
	ConsumeFreeDetection(ctx context.Context, userID string) (*Status, error)
	ResetPeriod(ctx context.Context, userID string) (*Status, error)
	ResetDuePeriods(ctx context.Context, limit int) (int, error)
	Get(ctx context.Context, userID string) (*Status, error)
}
