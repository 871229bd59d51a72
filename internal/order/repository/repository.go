package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/order/domain"
	"github.com/smallbiznis/verdant/internal/outbox"
	"github.com/smallbiznis/verdant/pkg/db"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type orderRecord struct {
	ID              snowflake.ID
	BuyerID         string
	Items           datatypes.JSON
	TotalAmount     int64
	Currency        string
	PaymentMethod   string
	TransactionHash *string
	PayerAddress    *string
	Status          string
	Version         int64
	CreatedAt       time.Time
	PaidAt          *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
	UpdatedAt       time.Time
}

const selectOrder = `SELECT id, buyer_id, items, total_amount, currency, payment_method, transaction_hash,
	payer_address, status, version, created_at, paid_at, delivered_at, cancelled_at, updated_at
	FROM orders`

type Params struct {
	fx.In

	DB     *gorm.DB
	Outbox *outbox.Store
	Clock  clock.Clock
}

type repo struct {
	db     *gorm.DB
	outbox *outbox.Store
	clock  clock.Clock
}

func Provide(p Params) domain.Repository {
	return &repo{db: p.DB, outbox: p.Outbox, clock: p.Clock}
}

func (r *repo) Save(ctx context.Context, order *domain.Order, expectedVersion int64) (int64, error) {
	if order == nil {
		return 0, domain.ErrInvalidOrderID
	}
	s := order.Snapshot()
	items, err := json.Marshal(s.Items)
	if err != nil {
		return 0, err
	}
	now := r.clock.Now()
	newVersion := expectedVersion + 1

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.TransactionHash != "" {
			// the unique index is authoritative; this only turns the common case into a clean error
			var owner snowflake.ID
			if err := tx.Raw(
				`SELECT id FROM orders WHERE transaction_hash = ? AND id <> ? LIMIT 1`,
				s.TransactionHash, s.ID,
			).Scan(&owner).Error; err != nil {
				return err
			}
			if owner != 0 {
				return domain.ErrHashAlreadyUsed
			}
		}

		if expectedVersion == 0 {
			res := tx.Exec(
				`INSERT INTO orders (id, buyer_id, items, total_amount, currency, payment_method, transaction_hash,
					payer_address, status, version, created_at, paid_at, delivered_at, cancelled_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO NOTHING`,
				s.ID, s.BuyerID, datatypes.JSON(items), s.TotalAmount, s.Currency, s.PaymentMethod,
				nullable(s.TransactionHash), nullable(s.PayerAddress), string(s.Status), newVersion,
				s.CreatedAt, s.PaidAt, s.DeliveredAt, s.CancelledAt, now,
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return domain.ErrConcurrencyConflict
			}
		} else {
			res := tx.Exec(
				`UPDATE orders
				SET status = ?, transaction_hash = ?, payer_address = ?, paid_at = ?, delivered_at = ?,
					cancelled_at = ?, version = ?, updated_at = ?
				WHERE id = ? AND version = ?`,
				string(s.Status), nullable(s.TransactionHash), nullable(s.PayerAddress), s.PaidAt, s.DeliveredAt,
				s.CancelledAt, newVersion, now,
				s.ID, expectedVersion,
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				var exists int64
				if err := tx.Raw(`SELECT COUNT(*) FROM orders WHERE id = ?`, s.ID).Scan(&exists).Error; err != nil {
					return err
				}
				if exists == 0 {
					return domain.ErrNotFound
				}
				return domain.ErrConcurrencyConflict
			}
		}

		return r.outbox.Append(ctx, tx, order.Events(), now)
	})
	if err != nil {
		if db.IsUniqueViolationOn(err, "transaction_hash") {
			return 0, domain.ErrHashAlreadyUsed
		}
		return 0, err
	}
	return newVersion, nil
}

func (r *repo) Load(ctx context.Context, id snowflake.ID) (*domain.Order, int64, error) {
	var rec orderRecord
	if err := r.db.WithContext(ctx).Raw(selectOrder+` WHERE id = ? LIMIT 1`, id).Scan(&rec).Error; err != nil {
		return nil, 0, err
	}
	if rec.ID == 0 {
		return nil, 0, domain.ErrNotFound
	}
	return toDomain(rec)
}

func (r *repo) FindByTransactionHash(ctx context.Context, txHash string) (*domain.Order, int64, error) {
	hash := domain.NormalizeTxHash(txHash)
	if hash == "" {
		return nil, 0, domain.ErrInvalidTransactionHash
	}
	var rec orderRecord
	if err := r.db.WithContext(ctx).Raw(selectOrder+` WHERE transaction_hash = ? LIMIT 1`, hash).Scan(&rec).Error; err != nil {
		return nil, 0, err
	}
	if rec.ID == 0 {
		return nil, 0, domain.ErrNotFound
	}
	return toDomain(rec)
}

func toDomain(rec orderRecord) (*domain.Order, int64, error) {
	var items []domain.Item
	if len(rec.Items) > 0 {
		if err := json.Unmarshal(rec.Items, &items); err != nil {
			return nil, 0, fmt.Errorf("decode order items: %w", err)
		}
	}
	s := domain.Snapshot{
		ID:            rec.ID,
		BuyerID:       rec.BuyerID,
		Items:         items,
		TotalAmount:   rec.TotalAmount,
		Currency:      rec.Currency,
		PaymentMethod: rec.PaymentMethod,
		Status:        domain.Status(rec.Status),
		CreatedAt:     rec.CreatedAt.UTC(),
		PaidAt:        utc(rec.PaidAt),
		DeliveredAt:   utc(rec.DeliveredAt),
		CancelledAt:   utc(rec.CancelledAt),
	}
	if rec.TransactionHash != nil {
		s.TransactionHash = *rec.TransactionHash
	}
	if rec.PayerAddress != nil {
		s.PayerAddress = *rec.PayerAddress
	}
	return domain.Rehydrate(s), rec.Version, nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
