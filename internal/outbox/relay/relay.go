package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/verdant/internal/broker"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/config"
	"github.com/smallbiznis/verdant/internal/integration"
	obsmetrics "github.com/smallbiznis/verdant/internal/observability/metrics"
	"github.com/smallbiznis/verdant/internal/outbox"
	"github.com/smallbiznis/verdant/internal/ratelimit"
	"github.com/smallbiznis/verdant/pkg/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const leaseKey = "outbox:relay:partition:%d"

type Params struct {
	fx.In

	Store     *outbox.Store
	Publisher broker.Publisher
	Clock     clock.Clock
	Log       *zap.Logger
	Config    config.Config
	Locker    *ratelimit.Locker        `optional:"true"`
	Metrics   *obsmetrics.RelayMetrics `optional:"true"`
}

// Relay moves committed outbox rows to the broker. Rows of one aggregate are published
// strictly in sequence order; a failed row blocks later rows of the same aggregate only.
type Relay struct {
	store       *outbox.Store
	publisher   broker.Publisher
	clock       clock.Clock
	log         *zap.Logger
	locker      *ratelimit.Locker
	metrics     *obsmetrics.RelayMetrics
	cfg         config.RelayConfig
	queuePrefix string
	policy      retry.Policy
	holder      string
}

func New(p Params) *Relay {
	cfg := p.Config.Relay
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	return &Relay{
		store:       p.Store,
		publisher:   p.Publisher,
		clock:       p.Clock,
		log:         p.Log.Named("outbox.relay"),
		locker:      p.Locker,
		metrics:     p.Metrics,
		cfg:         cfg,
		queuePrefix: p.Config.RabbitMQ.QueuePrefix,
		holder:      uuid.NewString(),
		policy: retry.Policy{
			InitialDelay: cfg.InitialBackoff,
			MaxDelay:     cfg.MaxBackoff,
			Multiplier:   2,
			Jitter:       0.2,
		},
	}
}

// Run drains every partition until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < r.store.Partitions(); p++ {
		partition := p
		g.Go(func() error {
			r.runPartition(ctx, partition)
			return nil
		})
	}
	return g.Wait()
}

func (r *Relay) runPartition(ctx context.Context, partition int) {
	log := r.log.With(zap.Int("partition", partition))
	lease := r.newLease(partition)
	defer lease.release(context.WithoutCancel(ctx))

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		held, err := lease.hold(ctx)
		if err != nil {
			log.Warn("partition lease check failed", zap.Error(err))
		}
		if held {
			if _, err := r.DrainPartition(ctx, partition); err != nil && ctx.Err() == nil {
				log.Warn("drain partition failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DrainPartition publishes every due row of the partition once and returns how many were delivered.
func (r *Relay) DrainPartition(ctx context.Context, partition int) (int, error) {
	now := r.clock.Now()
	aggregates, err := r.store.DueAggregates(ctx, partition, now, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	var errs []error
	for _, aggregateID := range aggregates {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		n, err := r.drainAggregate(ctx, partition, aggregateID, now)
		published += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if backlog, err := r.store.Backlog(ctx, partition); err == nil {
		r.metrics.SetBacklog(partition, int(backlog))
	}
	return published, errors.Join(errs...)
}

// drainAggregate stops at the first row that is not yet due or fails to publish.
func (r *Relay) drainAggregate(ctx context.Context, partition int, aggregateID string, now time.Time) (int, error) {
	rows, err := r.store.Pending(ctx, aggregateID, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, row := range rows {
		if row.NextAttemptAt.After(now) {
			break
		}

		if perr := r.publish(ctx, row); perr != nil {
			attempt := row.RetryCount + 1
			next := r.clock.Now().Add(r.policy.Delay(attempt))
			r.metrics.IncFailure(partition, row.EventType)
			r.log.Warn("outbox publish failed",
				zap.String("outbox_id", row.ID.String()),
				zap.String("aggregate_id", aggregateID),
				zap.String("event_type", row.EventType),
				zap.Int("retry_count", attempt),
				zap.Time("next_attempt_at", next),
				zap.Error(perr),
			)
			if err := r.store.MarkFailed(ctx, row.ID, attempt, next, perr); err != nil {
				return published, err
			}
			return published, nil
		}

		if err := r.store.MarkDispatched(ctx, row.ID, r.clock.Now()); err != nil {
			// the broker has the message; the row is re-sent on the next tick
			return published, fmt.Errorf("mark dispatched %s: %w", row.ID, err)
		}
		r.metrics.IncPublished(partition, row.EventType)
		published++
	}
	return published, nil
}

func (r *Relay) publish(ctx context.Context, row outbox.Record) error {
	evt, err := r.store.Codec().Decode(row.EventType, row.Payload)
	if err != nil {
		return err
	}
	ievt, err := integration.Convert(evt)
	if err != nil {
		return err
	}
	body, err := integration.Encode(ievt)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	return r.publisher.Publish(ctx, broker.Message{
		ID:    row.ID.String(),
		Queue: integration.Queue(r.queuePrefix, ievt.IntegrationType()),
		Type:  ievt.IntegrationType(),
		Body:  body,
	})
}

// partitionLease keeps one process per partition. The redis locker is used when configured,
// otherwise the lease row in outbox_relay_leases.
type partitionLease struct {
	locker    *ratelimit.Locker
	store     *outbox.Store
	clock     clock.Clock
	holder    string
	partition int
	key       string
	ttl       time.Duration
	token     string
	held      bool
}

func (r *Relay) newLease(partition int) *partitionLease {
	return &partitionLease{
		locker:    r.locker,
		store:     r.store,
		clock:     r.clock,
		holder:    r.holder,
		partition: partition,
		key:       fmt.Sprintf(leaseKey, partition),
		ttl:       r.cfg.LeaseTTL,
	}
}

func (l *partitionLease) hold(ctx context.Context) (bool, error) {
	if l.locker == nil {
		ok, err := l.store.ClaimPartition(ctx, l.partition, l.holder, l.clock.Now(), l.ttl)
		l.held = ok && err == nil
		return l.held, err
	}
	if l.token != "" {
		ok, err := l.locker.Extend(ctx, l.key, l.token, l.ttl)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		l.token = ""
	}
	token, ok, err := l.locker.TryLock(ctx, l.key, l.ttl)
	if err != nil || !ok {
		return false, err
	}
	l.token = token
	return true, nil
}

func (l *partitionLease) release(ctx context.Context) {
	if l.locker == nil {
		if l.held {
			_ = l.store.ReleasePartition(ctx, l.partition, l.holder)
			l.held = false
		}
		return
	}
	if l.token == "" {
		return
	}
	_ = l.locker.Release(ctx, l.key, l.token)
	l.token = ""
}
