package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/config"
	"github.com/smallbiznis/verdant/internal/events"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxErrorLength = 1024

type Store struct {
	db         *gorm.DB
	codec      *events.Codec
	genID      *snowflake.Node
	partitions int
}

func NewStore(db *gorm.DB, codec *events.Codec, genID *snowflake.Node, cfg config.Config) *Store {
	return NewStoreWithPartitions(db, codec, genID, cfg.Relay.Partitions)
}

func NewStoreWithPartitions(db *gorm.DB, codec *events.Codec, genID *snowflake.Node, partitions int) *Store {
	if partitions <= 0 {
		partitions = 1
	}
	return &Store{db: db, codec: codec, genID: genID, partitions: partitions}
}

func (s *Store) Partitions() int { return s.partitions }

func (s *Store) Codec() *events.Codec { return s.codec }

// Append writes events as outbox rows using tx, which must be the transaction that
// persists the aggregate state. Sequences continue from the aggregate's last row.
func (s *Store) Append(ctx context.Context, tx *gorm.DB, evts []events.Event, now time.Time) error {
	if len(evts) == 0 {
		return nil
	}
	if tx == nil {
		return errors.New("outbox append requires a transaction")
	}

	next := map[string]int64{}
	for _, evt := range evts {
		aggregateID := evt.AggregateID()
		seq, ok := next[aggregateID]
		if !ok {
			var last int64
			if err := tx.WithContext(ctx).Raw(
				`SELECT COALESCE(MAX(sequence), 0) FROM outbox_events WHERE aggregate_id = ?`,
				aggregateID,
			).Scan(&last).Error; err != nil {
				return err
			}
			seq = last
		}
		seq++
		next[aggregateID] = seq

		payload, err := s.codec.Encode(evt)
		if err != nil {
			return fmt.Errorf("encode %s: %w", evt.EventType(), err)
		}

		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO outbox_events (id, aggregate_id, sequence, partition_key, event_type, payload, dispatched, retry_count, next_attempt_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			s.genID.Generate(),
			aggregateID,
			seq,
			PartitionFor(aggregateID, s.partitions),
			evt.EventType(),
			datatypes.JSON(payload),
			false,
			now,
			now,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

// DueAggregates lists aggregates in a partition whose oldest undispatched row is due.
func (s *Store) DueAggregates(ctx context.Context, partition int, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Raw(
		`SELECT o.aggregate_id
		FROM outbox_events o
		WHERE o.partition_key = ?
			AND o.dispatched = ?
			AND o.next_attempt_at <= ?
			AND o.sequence = (
				SELECT MIN(i.sequence) FROM outbox_events i
				WHERE i.aggregate_id = o.aggregate_id AND i.dispatched = ?
			)
		ORDER BY o.created_at ASC, o.id ASC
		LIMIT ?`,
		partition, false, now, false, limit,
	).Scan(&ids).Error
	return ids, err
}

// Pending returns undispatched rows of one aggregate in sequence order.
func (s *Store) Pending(ctx context.Context, aggregateID string, limit int) ([]Record, error) {
	var rows []Record
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, aggregate_id, sequence, partition_key, event_type, payload, dispatched, dispatched_at,
			retry_count, next_attempt_at, last_error, created_at
		FROM outbox_events
		WHERE aggregate_id = ? AND dispatched = ?
		ORDER BY sequence ASC
		LIMIT ?`,
		aggregateID, false, limit,
	).Scan(&rows).Error
	return rows, err
}

func (s *Store) MarkDispatched(ctx context.Context, id snowflake.ID, at time.Time) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE outbox_events SET dispatched = ?, dispatched_at = ?, last_error = NULL WHERE id = ?`,
		true, at, id,
	).Error
}

func (s *Store) MarkFailed(ctx context.Context, id snowflake.ID, retryCount int, next time.Time, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
		if len(msg) > maxErrorLength {
			msg = msg[:maxErrorLength]
		}
	}
	return s.db.WithContext(ctx).Exec(
		`UPDATE outbox_events SET retry_count = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		retryCount, next, msg, id,
	).Error
}

func (s *Store) Backlog(ctx context.Context, partition int) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM outbox_events WHERE partition_key = ? AND dispatched = ?`,
		partition, false,
	).Scan(&count).Error
	return count, err
}

// PurgeDispatched deletes delivered rows older than cutoff.
func (s *Store) PurgeDispatched(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res := s.db.WithContext(ctx).Exec(
		`DELETE FROM outbox_events WHERE id IN (
			SELECT id FROM outbox_events WHERE dispatched = ? AND dispatched_at < ? ORDER BY dispatched_at ASC LIMIT ?
		)`,
		true, cutoff, limit,
	)
	return res.RowsAffected, res.Error
}

// ClaimPartition takes or renews holder's lease on partition until now+ttl. A lease held by
// someone else is taken over only once it has expired.
func (s *Store) ClaimPartition(ctx context.Context, partition int, holder string, now time.Time, ttl time.Duration) (bool, error) {
	db := s.db.WithContext(ctx)
	until := now.Add(ttl)
	if err := db.Exec(
		`INSERT INTO outbox_relay_leases (partition_key, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (partition_key) DO NOTHING`,
		partition, holder, until,
	).Error; err != nil {
		return false, err
	}
	res := db.Exec(
		`UPDATE outbox_relay_leases SET holder = ?, expires_at = ?
		WHERE partition_key = ? AND (holder = ? OR expires_at < ?)`,
		holder, until, partition, holder, now,
	)
	return res.RowsAffected == 1, res.Error
}

func (s *Store) ReleasePartition(ctx context.Context, partition int, holder string) error {
	return s.db.WithContext(ctx).Exec(
		`DELETE FROM outbox_relay_leases WHERE partition_key = ? AND holder = ?`,
		partition, holder,
	).Error
}
