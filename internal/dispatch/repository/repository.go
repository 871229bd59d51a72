package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/dispatch/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) domain.Repository {
	return &repo{db: db}
}

func (r *repo) Create(ctx context.Context, rec domain.Record) (bool, error) {
	res := r.db.WithContext(ctx).Exec(
		`INSERT INTO dispatch_records (id, order_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (order_id) DO NOTHING`,
		rec.ID, rec.OrderID, rec.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindByOrder(ctx context.Context, orderID snowflake.ID) (*domain.Record, error) {
	var row struct {
		ID        snowflake.ID
		OrderID   snowflake.ID
		CreatedAt time.Time
	}
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, order_id, created_at FROM dispatch_records WHERE order_id = ? LIMIT 1`,
		orderID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, domain.ErrNotFound
	}
	return &domain.Record{ID: row.ID, OrderID: row.OrderID, CreatedAt: row.CreatedAt.UTC()}, nil
}
