package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbCounter atomic.Int64

// sqlite mirror of the postgres migrations
var schema = []string{
	`CREATE TABLE orders (
		id INTEGER PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		items TEXT NOT NULL,
		total_amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		transaction_hash TEXT UNIQUE,
		payer_address TEXT,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		paid_at DATETIME,
		delivered_at DATETIME,
		cancelled_at DATETIME,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE dispatch_records (
		id INTEGER PRIMARY KEY,
		order_id INTEGER NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE entitlement_ledgers (
		user_id TEXT PRIMARY KEY,
		vip_expires_at DATETIME,
		free_remaining INTEGER NOT NULL CHECK (free_remaining >= 0),
		free_allocation INTEGER NOT NULL,
		period_start DATETIME NOT NULL,
		version INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE entitlement_applications (
		order_id INTEGER PRIMARY KEY,
		user_id TEXT NOT NULL,
		plan TEXT NOT NULL,
		vip_expires_at DATETIME NOT NULL,
		applied_at DATETIME NOT NULL
	)`,
	`CREATE TABLE outbox_events (
		id INTEGER PRIMARY KEY,
		aggregate_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		partition_key INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		dispatched BOOLEAN NOT NULL DEFAULT FALSE,
		dispatched_at DATETIME,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at DATETIME NOT NULL,
		last_error TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE (aggregate_id, sequence)
	)`,
	`CREATE TABLE event_handler_failures (
		id INTEGER PRIMARY KEY,
		event_type TEXT NOT NULL,
		handler TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		next_attempt_at DATETIME NOT NULL,
		last_error TEXT,
		resolved_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE outbox_relay_leases (
		partition_key INTEGER PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	)`,
}

// NewDB opens an isolated in-memory database with the full schema. A single connection
// serialises transactions so concurrent tests behave like row-locked postgres.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:verdant_%d?mode=memory&cache=shared", dbCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func CountRows(t *testing.T, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return count
}
