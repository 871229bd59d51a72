package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/broker"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/config"
	"github.com/smallbiznis/verdant/internal/events"
	"github.com/smallbiznis/verdant/internal/integration"
	"github.com/smallbiznis/verdant/internal/order/domain"
	"github.com/smallbiznis/verdant/internal/order/repository"
	"github.com/smallbiznis/verdant/internal/outbox"
	"github.com/smallbiznis/verdant/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []broker.Message
	fail func(broker.Message) error
}

func (p *recordingPublisher) Publish(ctx context.Context, msg broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		if err := p.fail(msg); err != nil {
			return err
		}
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *recordingPublisher) types(orderID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, msg := range p.sent {
		evt, err := integration.Decode(msg.Body)
		if err == nil && evt.OrderID() == orderID {
			out = append(out, msg.Type)
		}
	}
	return out
}

type relayFixture struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	repo  domain.Repository
	pub   *recordingPublisher
	relay *Relay
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	codec := events.NewCodec()
	domain.RegisterEvents(codec)
	store := outbox.NewStoreWithPartitions(db, codec, node, 1)
	pub := &recordingPublisher{}

	cfg := config.Config{
		RabbitMQ: config.RabbitMQConfig{QueuePrefix: "verdant"},
		Relay: config.RelayConfig{
			BatchSize:      50,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
		},
	}
	return &relayFixture{
		db:    db,
		node:  node,
		clock: clk,
		repo:  repository.Provide(repository.Params{DB: db, Outbox: store, Clock: clk}),
		pub:   pub,
		relay: New(Params{Store: store, Publisher: pub, Clock: clk, Log: zaptest.NewLogger(t), Config: cfg}),
	}
}

// paidAndDelivered leaves three outbox rows for one order.
func (f *relayFixture) paidAndDelivered(t *testing.T, hash string) *domain.Order {
	t.Helper()
	ctx := context.Background()
	o, err := domain.New(f.node.Generate(), "user-1",
		[]domain.Item{{SKU: "sku-1", Quantity: 1, UnitAmount: 100}}, "USDT", "ethereum", f.clock.Now())
	require.NoError(t, err)
	_, err = f.repo.Save(ctx, o, 0)
	require.NoError(t, err)
	o.PullEvents()

	require.NoError(t, o.MarkPaid(hash, "0xpayer", f.clock.Now()))
	require.NoError(t, o.MarkDelivered(f.clock.Now()))
	_, err = f.repo.Save(ctx, o, 1)
	require.NoError(t, err)
	return o
}

func TestDrainPublishesInSequenceOrder(t *testing.T) {
	f := newRelayFixture(t)
	o := f.paidAndDelivered(t, "0xaa01")

	n, err := f.relay.DrainPartition(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t,
		[]string{integration.TypeOrderCreated, integration.TypeOrderPaid, integration.TypeOrderDelivered},
		f.pub.types(o.ID().String()))

	f.pub.mu.Lock()
	assert.Equal(t, "verdant.order_created", f.pub.sent[0].Queue)
	f.pub.mu.Unlock()

	assert.Equal(t, int64(0), testutil.CountRows(t, f.db, `SELECT COUNT(*) FROM outbox_events WHERE dispatched = ?`, false))

	n, err = f.relay.DrainPartition(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n, "dispatched rows are not re-sent")
}

func TestFailureBlocksOnlyItsAggregate(t *testing.T) {
	f := newRelayFixture(t)
	blocked := f.paidAndDelivered(t, "0xbb01")
	free := f.paidAndDelivered(t, "0xbb02")

	attempts := 0
	f.pub.fail = func(msg broker.Message) error {
		evt, _ := integration.Decode(msg.Body)
		if evt.OrderID() == blocked.ID().String() && msg.Type == integration.TypeOrderPaid {
			attempts++
			return errors.New("broker unavailable")
		}
		return nil
	}

	ctx := context.Background()
	_, err := f.relay.DrainPartition(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{integration.TypeOrderCreated}, f.pub.types(blocked.ID().String()))
	assert.Len(t, f.pub.types(free.ID().String()), 3)

	var rec outbox.Record
	require.NoError(t, f.db.Raw(
		`SELECT id, retry_count, next_attempt_at, last_error FROM outbox_events WHERE aggregate_id = ? AND event_type = ?`,
		blocked.ID().String(), domain.EventOrderPaid,
	).Scan(&rec).Error)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, "broker unavailable", rec.LastError)
	assert.True(t, rec.NextAttemptAt.After(f.clock.Now()))

	// not yet due
	_, err = f.relay.DrainPartition(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	f.pub.fail = nil
	f.clock.Advance(2 * time.Second)
	n, err := f.relay.DrainPartition(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t,
		[]string{integration.TypeOrderCreated, integration.TypeOrderPaid, integration.TypeOrderDelivered},
		f.pub.types(blocked.ID().String()))
}

func TestRowsAreNeverDiscarded(t *testing.T) {
	f := newRelayFixture(t)
	o := f.paidAndDelivered(t, "0xcc01")
	f.pub.fail = func(broker.Message) error { return errors.New("down") }

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.relay.DrainPartition(ctx, 0)
		require.NoError(t, err)
		f.clock.Advance(2 * time.Minute)
	}

	assert.Equal(t, int64(3), testutil.CountRows(t, f.db,
		`SELECT COUNT(*) FROM outbox_events WHERE aggregate_id = ? AND dispatched = ?`, o.ID().String(), false))
	assert.Equal(t, int64(5), testutil.CountRows(t, f.db,
		`SELECT retry_count FROM outbox_events WHERE aggregate_id = ? AND sequence = 1`, o.ID().String()))

	f.pub.fail = nil
	n, err := f.relay.DrainPartition(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRunDeliversThroughMemoryBroker(t *testing.T) {
	f := newRelayFixture(t)
	mem := broker.NewMemory()
	f.relay.publisher = mem
	f.relay.cfg.PollInterval = 10 * time.Millisecond
	o := f.paidAndDelivered(t, "0xdd01")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.relay.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(mem.Published("verdant.order_delivered")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	paid := mem.Published("verdant.order_paid")
	require.Len(t, paid, 1)
	evt, err := integration.Decode(paid[0].Body)
	require.NoError(t, err)
	assert.Equal(t, o.ID().String(), evt.OrderID())
}

func TestPartitionLeaseWithoutRedisAdmitsOneRelay(t *testing.T) {
	f := newRelayFixture(t)
	other := New(Params{
		Store:     f.relay.store,
		Publisher: f.pub,
		Clock:     f.clock,
		Log:       zaptest.NewLogger(t),
		Config:    config.Config{Relay: config.RelayConfig{LeaseTTL: 30 * time.Second}},
	})
	ctx := context.Background()

	first := f.relay.newLease(0)
	second := other.newLease(0)

	held, err := first.hold(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	held, err = second.hold(ctx)
	require.NoError(t, err)
	assert.False(t, held, "partition must not be drained by two relays")

	f.clock.Advance(10 * time.Second)
	held, err = first.hold(ctx)
	require.NoError(t, err)
	assert.True(t, held, "holder renews its own lease")

	f.clock.Advance(31 * time.Second)
	held, err = second.hold(ctx)
	require.NoError(t, err)
	assert.True(t, held, "expired lease is taken over")

	held, err = first.hold(ctx)
	require.NoError(t, err)
	assert.False(t, held)

	second.release(ctx)
	held, err = first.hold(ctx)
	require.NoError(t, err)
	assert.True(t, held, "released lease is free immediately")
}
