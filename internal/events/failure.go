package events

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Failure is a handler invocation waiting to be retried.
type Failure struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	EventType     string         `gorm:"type:text;not null"`
	Handler       string         `gorm:"type:text;not null"`
	AggregateID   string         `gorm:"type:text;not null"`
	Payload       datatypes.JSON `gorm:"not null"`
	Attempts      int            `gorm:"not null"`
	NextAttemptAt time.Time      `gorm:"not null"`
	LastError     string         `gorm:"type:text"`
	ResolvedAt    *time.Time
	CreatedAt     time.Time `gorm:"not null"`
}

func (Failure) TableName() string { return "event_handler_failures" }

type FailureStore interface {
	Insert(ctx context.Context, f *Failure) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]Failure, error)
	MarkResolved(ctx context.Context, id snowflake.ID, at time.Time) error
	Reschedule(ctx context.Context, id snowflake.ID, attempts int, next time.Time, lastErr string) error
}

type gormFailureStore struct {
	db *gorm.DB
}

func NewFailureStore(db *gorm.DB) FailureStore {
	return &gormFailureStore{db: db}
}

func (s *gormFailureStore) Insert(ctx context.Context, f *Failure) error {
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO event_handler_failures (id, event_type, handler, aggregate_id, payload, attempts, next_attempt_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.EventType, f.Handler, f.AggregateID, f.Payload, f.Attempts, f.NextAttemptAt, f.LastError, f.CreatedAt,
	).Error
}

func (s *gormFailureStore) ListDue(ctx context.Context, now time.Time, limit int) ([]Failure, error) {
	var rows []Failure
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, event_type, handler, aggregate_id, payload, attempts, next_attempt_at, last_error, resolved_at, created_at
		FROM event_handler_failures
		WHERE resolved_at IS NULL AND next_attempt_at <= ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		now, limit,
	).Scan(&rows).Error
	return rows, err
}

func (s *gormFailureStore) MarkResolved(ctx context.Context, id snowflake.ID, at time.Time) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE event_handler_failures SET resolved_at = ? WHERE id = ?`,
		at, id,
	).Error
}

func (s *gormFailureStore) Reschedule(ctx context.Context, id snowflake.ID, attempts int, next time.Time, lastErr string) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE event_handler_failures SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		attempts, next, lastErr, id,
	).Error
}
