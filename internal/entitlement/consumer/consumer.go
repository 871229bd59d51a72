package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/verdant/internal/broker"
	"github.com/smallbiznis/verdant/internal/config"
	"github.com/smallbiznis/verdant/internal/entitlement/domain"
	"github.com/smallbiznis/verdant/internal/integration"
	obsmetrics "github.com/smallbiznis/verdant/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/verdant/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	outcomeAck     = "ack"
	outcomeRequeue = "requeue"
	outcomeReject  = "reject"
)

type Params struct {
	fx.In

	Subscriber   broker.Subscriber
	Orders       orderdomain.Repository
	Entitlements domain.Service
	Config       config.Config
	Log          *zap.Logger
	Metrics      *obsmetrics.RelayMetrics `optional:"true"`
}

// Consumer applies membership plans from OrderPaidIntegrationEvent deliveries.
// Deliveries are at least once; the ledger deduplicates on order id.
type Consumer struct {
	sub          broker.Subscriber
	orders       orderdomain.Repository
	entitlements domain.Service
	queue        string
	log          *zap.Logger
	metrics      *obsmetrics.RelayMetrics

	resubscribeInitial time.Duration
	resubscribeMax     time.Duration
}

func New(p Params) *Consumer {
	return &Consumer{
		sub:          p.Subscriber,
		orders:       p.Orders,
		entitlements: p.Entitlements,
		queue:        integration.Queue(p.Config.RabbitMQ.QueuePrefix, integration.TypeOrderPaid),
		log:          p.Log.Named("entitlement.consumer"),
		metrics:      p.Metrics,

		resubscribeInitial: 500 * time.Millisecond,
		resubscribeMax:     30 * time.Second,
	}
}

func (c *Consumer) Queue() string { return c.queue }

func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consuming", zap.String("queue", c.queue))
	return c.sub.Consume(ctx, c.queue, c.Handle)
}

// Serve keeps the subscription open until ctx is done. When the broker drops it the
// consumer resubscribes with exponential backoff; the wait resets after a healthy session.
func (c *Consumer) Serve(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.resubscribeInitial
	b.MaxInterval = c.resubscribeMax

	for {
		started := time.Now()
		err := c.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > c.resubscribeMax {
			b.Reset()
		}
		wait := b.NextBackOff()
		c.log.Warn("subscription ended, resubscribing",
			zap.String("queue", c.queue),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Handle returns an error only for failures worth redelivering. Malformed messages and
// orders without a membership plan are acknowledged.
func (c *Consumer) Handle(ctx context.Context, msg broker.Message) error {
	log := c.log.With(zap.String("message_id", msg.ID))

	evt, err := integration.Decode(msg.Body)
	if err != nil {
		log.Error("dropping malformed integration event", zap.Error(err))
		c.metrics.IncConsumed(c.queue, outcomeReject)
		return nil
	}
	if _, ok := evt.(integration.OrderPaidIntegrationEvent); !ok {
		c.metrics.IncConsumed(c.queue, outcomeAck)
		return nil
	}

	orderID, err := snowflake.ParseString(evt.OrderID())
	if err != nil {
		log.Error("dropping event with invalid order id", zap.String("order_id", evt.OrderID()))
		c.metrics.IncConsumed(c.queue, outcomeReject)
		return nil
	}
	log = log.With(zap.String("order_id", evt.OrderID()))

	order, _, err := c.orders.Load(ctx, orderID)
	if err != nil {
		log.Warn("load paid order failed", zap.Error(err))
		c.metrics.IncConsumed(c.queue, outcomeRequeue)
		return err
	}
	snap := order.Snapshot()
	rawPlan, ok := snap.MembershipPlan()
	if !ok {
		c.metrics.IncConsumed(c.queue, outcomeAck)
		return nil
	}
	plan, err := domain.ParsePlan(rawPlan)
	if err != nil {
		log.Error("paid order carries an unknown plan", zap.String("plan", rawPlan))
		c.metrics.IncConsumed(c.queue, outcomeReject)
		return nil
	}

	if _, err := c.entitlements.ApplyMembershipPurchase(ctx, snap.BuyerID, plan, orderID); err != nil {
		if errors.Is(err, domain.ErrInvalidUser) {
			c.metrics.IncConsumed(c.queue, outcomeReject)
			return nil
		}
		log.Warn("apply membership failed", zap.Error(err))
		c.metrics.IncConsumed(c.queue, outcomeRequeue)
		return err
	}
	c.metrics.IncConsumed(c.queue, outcomeAck)
	return nil
}
