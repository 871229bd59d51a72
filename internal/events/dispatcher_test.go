package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type widgetShipped struct {
	WidgetID string    `json:"widget_id"`
	At       time.Time `json:"occurred_at"`
}

func (e widgetShipped) EventType() string     { return "widget.shipped" }
func (e widgetShipped) AggregateID() string   { return e.WidgetID }
func (e widgetShipped) OccurredAt() time.Time { return e.At }

func newTestDispatcher(t *testing.T) (*Dispatcher, *clock.FakeClock) {
	t.Helper()
	db := testutil.NewDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	codec := NewCodec()
	Register[widgetShipped](codec, "widget.shipped")

	d := NewDispatcher(Params{
		Codec: codec,
		Store: NewFailureStore(db),
		GenID: testutil.NewNode(t),
		Clock: clk,
		Log:   zaptest.NewLogger(t),
	})
	return d, clk
}

func TestPublishQueuesFailuresWithoutStoppingOtherHandlers(t *testing.T) {
	d, clk := newTestDispatcher(t)
	ctx := context.Background()

	var okCalls, panicCalls int
	d.Subscribe("widget.shipped", "notify", func(ctx context.Context, evt Event) error {
		return errors.New("smtp down")
	})
	d.Subscribe("widget.shipped", "explode", func(ctx context.Context, evt Event) error {
		panicCalls++
		panic("boom")
	})
	d.Subscribe("widget.shipped", "count", func(ctx context.Context, evt Event) error {
		okCalls++
		return nil
	})

	err := d.Publish(ctx, widgetShipped{WidgetID: "w-1", At: clk.Now()})
	require.NoError(t, err)
	assert.Equal(t, 1, okCalls)
	assert.Equal(t, 1, panicCalls)

	due, err := d.store.ListDue(ctx, clk.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	handlers := []string{due[0].Handler, due[1].Handler}
	assert.ElementsMatch(t, []string{"notify", "explode"}, handlers)
	for _, f := range due {
		assert.Equal(t, 1, f.Attempts)
		assert.Equal(t, "w-1", f.AggregateID)
		assert.True(t, f.NextAttemptAt.After(clk.Now()))
	}
}

func TestRetryFailedRedeliversUntilSuccess(t *testing.T) {
	d, clk := newTestDispatcher(t)
	ctx := context.Background()

	failuresLeft := 2
	var delivered []string
	d.Subscribe("widget.shipped", "flaky", func(ctx context.Context, evt Event) error {
		if failuresLeft > 0 {
			failuresLeft--
			return errors.New("transient")
		}
		delivered = append(delivered, evt.AggregateID())
		return nil
	})

	require.NoError(t, d.Publish(ctx, widgetShipped{WidgetID: "w-2", At: clk.Now()}))

	resolved, err := d.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, resolved, "nothing is due before the backoff elapses")

	clk.Advance(time.Minute)
	resolved, err = d.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, resolved)

	due, err := d.store.ListDue(ctx, clk.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].Attempts)
	assert.Equal(t, "transient", due[0].LastError)

	clk.Advance(time.Hour)
	resolved, err = d.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, []string{"w-2"}, delivered)

	due, err = d.store.ListDue(ctx, clk.Now().Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSubscribeRejectsDuplicateNames(t *testing.T) {
	d, _ := newTestDispatcher(t)
	noop := func(ctx context.Context, evt Event) error { return nil }
	d.Subscribe("widget.shipped", "a", noop)
	assert.Panics(t, func() { d.Subscribe("widget.shipped", "a", noop) })
	assert.Panics(t, func() { d.Subscribe("widget.shipped", "", noop) })
}

func TestCodecRoundTripsRegisteredTypes(t *testing.T) {
	codec := NewCodec()
	Register[widgetShipped](codec, "widget.shipped")

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	data, err := codec.Encode(widgetShipped{WidgetID: "w-3", At: at})
	require.NoError(t, err)

	evt, err := codec.Decode("widget.shipped", data)
	require.NoError(t, err)
	assert.Equal(t, "w-3", evt.AggregateID())
	assert.True(t, evt.OccurredAt().Equal(at))

	_, err = codec.Decode("widget.lost", data)
	assert.ErrorIs(t, err, ErrUnknownEventType)
}
