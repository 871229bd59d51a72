package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/entitlement/domain"
	"github.com/smallbiznis/verdant/pkg/db"
	"gorm.io/gorm"
)

type ledgerRecord struct {
	UserID         string
	VIPExpiresAt   *time.Time `gorm:"column:vip_expires_at"`
	FreeRemaining  int
	FreeAllocation int
	PeriodStart    time.Time
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type applicationRecord struct {
	OrderID      snowflake.ID
	UserID       string
	Plan         string
	VIPExpiresAt time.Time `gorm:"column:vip_expires_at"`
	AppliedAt    time.Time
}

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) domain.Repository {
	return &repo{db: db}
}

func (r *repo) Load(ctx context.Context, userID string) (*domain.Ledger, error) {
	var rec ledgerRecord
	err := r.db.WithContext(ctx).Raw(
		`SELECT user_id, vip_expires_at, free_remaining, free_allocation, period_start, version, created_at, updated_at
		FROM entitlement_ledgers WHERE user_id = ? LIMIT 1`,
		userID,
	).Scan(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.UserID == "" {
		return nil, domain.ErrNotFound
	}
	return toDomain(rec), nil
}

func (r *repo) Insert(ctx context.Context, l *domain.Ledger) error {
	return r.db.WithContext(ctx).Exec(
		`INSERT INTO entitlement_ledgers (user_id, vip_expires_at, free_remaining, free_allocation, period_start, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`,
		l.UserID, l.VIPExpiresAt, l.FreeRemaining, l.FreeAllocation, l.PeriodStart, l.CreatedAt, l.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, l *domain.Ledger, expectedVersion int64) (int64, error) {
	var version int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		version, err = updateLedger(tx, l, expectedVersion)
		return err
	})
	return version, translate(err)
}

func (r *repo) Apply(ctx context.Context, app domain.Application, l *domain.Ledger, expectedVersion int64) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(
			`INSERT INTO entitlement_applications (order_id, user_id, plan, vip_expires_at, applied_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (order_id) DO NOTHING`,
			app.OrderID, app.UserID, string(app.Plan), app.VIPExpiresAt, app.AppliedAt,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if _, err := updateLedger(tx, l, expectedVersion); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, translate(err)
	}
	return applied, nil
}

func (r *repo) FindApplication(ctx context.Context, orderID snowflake.ID) (*domain.Application, error) {
	var rec applicationRecord
	err := r.db.WithContext(ctx).Raw(
		`SELECT order_id, user_id, plan, vip_expires_at, applied_at
		FROM entitlement_applications WHERE order_id = ? LIMIT 1`,
		orderID,
	).Scan(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.OrderID == 0 {
		return nil, domain.ErrNotFound
	}
	return &domain.Application{
		OrderID:      rec.OrderID,
		UserID:       rec.UserID,
		Plan:         domain.Plan(rec.Plan),
		VIPExpiresAt: rec.VIPExpiresAt.UTC(),
		AppliedAt:    rec.AppliedAt.UTC(),
	}, nil
}

func (r *repo) ListStalePeriods(ctx context.Context, before time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Raw(
		`SELECT user_id FROM entitlement_ledgers
		WHERE period_start < ?
		ORDER BY period_start ASC, user_id ASC
		LIMIT ?`,
		before, limit,
	).Scan(&ids).Error
	return ids, err
}

func updateLedger(tx *gorm.DB, l *domain.Ledger, expectedVersion int64) (int64, error) {
	res := tx.Exec(
		`UPDATE entitlement_ledgers
		SET vip_expires_at = ?, free_remaining = ?, free_allocation = ?, period_start = ?, version = ?, updated_at = ?
		WHERE user_id = ? AND version = ?`,
		l.VIPExpiresAt, l.FreeRemaining, l.FreeAllocation, l.PeriodStart, expectedVersion+1, l.UpdatedAt,
		l.UserID, expectedVersion,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, domain.ErrConcurrencyConflict
	}
	return expectedVersion + 1, nil
}

// translate maps the non-negative quota constraint to the domain error.
func translate(err error) error {
	if err != nil && db.IsCheckViolation(err) {
		return domain.ErrQuotaExceeded
	}
	return err
}

func toDomain(rec ledgerRecord) *domain.Ledger {
	l := &domain.Ledger{
		UserID:         rec.UserID,
		FreeRemaining:  rec.FreeRemaining,
		FreeAllocation: rec.FreeAllocation,
		PeriodStart:    rec.PeriodStart.UTC(),
		Version:        rec.Version,
		CreatedAt:      rec.CreatedAt.UTC(),
		UpdatedAt:      rec.UpdatedAt.UTC(),
	}
	if rec.VIPExpiresAt != nil {
		at := rec.VIPExpiresAt.UTC()
		l.VIPExpiresAt = &at
	}
	return l
}
