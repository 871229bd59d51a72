package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/clock"
	obsmetrics "github.com/smallbiznis/verdant/internal/observability/metrics"
	"github.com/smallbiznis/verdant/pkg/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const maxErrorLength = 1024

type subscription struct {
	name    string
	handler Handler
}

// Dispatcher delivers committed domain events to in-process handlers.
// Publish must only be called after the originating transaction has committed.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]subscription

	codec   *Codec
	store   FailureStore
	genID   *snowflake.Node
	clock   clock.Clock
	policy  retry.Policy
	metrics *obsmetrics.Metrics
	log     *zap.Logger
}

type Params struct {
	fx.In

	Codec   *Codec
	Store   FailureStore
	GenID   *snowflake.Node
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func NewDispatcher(p Params) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]subscription),
		codec:    p.Codec,
		store:    p.Store,
		genID:    p.GenID,
		clock:    p.Clock,
		policy: retry.Policy{
			InitialDelay: 5 * time.Second,
			MaxDelay:     30 * time.Minute,
			Multiplier:   2,
			Jitter:       0.2,
		},
		metrics: p.Metrics,
		log:     p.Log.Named("events.dispatcher"),
	}
}

// Subscribe registers a named handler. Names identify the handler in the retry queue and must be unique per event type.
func (d *Dispatcher) Subscribe(eventType, name string, h Handler) {
	if h == nil || strings.TrimSpace(name) == "" {
		panic(fmt.Errorf("%w: %s/%s", ErrInvalidHandler, eventType, name))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.handlers[eventType] {
		if sub.name == name {
			panic(fmt.Errorf("%w: duplicate handler %s for %s", ErrInvalidHandler, name, eventType))
		}
	}
	d.handlers[eventType] = append(d.handlers[eventType], subscription{name: name, handler: h})
}

// Publish runs every subscribed handler synchronously. Handler failures are queued for
// retry and never returned; the returned error only reports a failure to queue.
func (d *Dispatcher) Publish(ctx context.Context, evts ...Event) error {
	var errs []error
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		for _, sub := range d.subscribers(evt.EventType()) {
			err := d.invoke(ctx, sub, evt)
			if err == nil {
				continue
			}

			d.metrics.RecordHandlerFailure(ctx, evt.EventType(), sub.name)
			d.log.Warn("event handler failed, queued for retry",
				zap.String("event_type", evt.EventType()),
				zap.String("handler", sub.name),
				zap.String("aggregate_id", evt.AggregateID()),
				zap.Error(err),
			)
			if qerr := d.enqueue(ctx, sub.name, evt, err); qerr != nil {
				d.log.Error("failed to queue handler failure",
					zap.String("event_type", evt.EventType()),
					zap.String("handler", sub.name),
					zap.Error(qerr),
				)
				errs = append(errs, qerr)
			}
		}
	}
	return errors.Join(errs...)
}

// RetryFailed re-delivers due failures. Entries stay queued until their handler succeeds.
func (d *Dispatcher) RetryFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	now := d.clock.Now()
	due, err := d.store.ListDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	resolved := 0
	var errs []error
	for _, f := range due {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}

		handlerErr := d.redeliver(ctx, f)
		if handlerErr == nil {
			if err := d.store.MarkResolved(ctx, f.ID, d.clock.Now()); err != nil {
				errs = append(errs, err)
				continue
			}
			resolved++
			continue
		}

		attempts := f.Attempts + 1
		next := d.clock.Now().Add(d.policy.Delay(attempts))
		d.log.Warn("event handler retry failed",
			zap.String("event_type", f.EventType),
			zap.String("handler", f.Handler),
			zap.Int("attempts", attempts),
			zap.Time("next_attempt_at", next),
			zap.Error(handlerErr),
		)
		if err := d.store.Reschedule(ctx, f.ID, attempts, next, truncate(handlerErr.Error())); err != nil {
			errs = append(errs, err)
		}
	}
	return resolved, errors.Join(errs...)
}

func (d *Dispatcher) redeliver(ctx context.Context, f Failure) error {
	evt, err := d.codec.Decode(f.EventType, f.Payload)
	if err != nil {
		return err
	}
	for _, sub := range d.subscribers(f.EventType) {
		if sub.name == f.Handler {
			return d.invoke(ctx, sub, evt)
		}
	}
	return fmt.Errorf("%w: no handler %s for %s", ErrInvalidHandler, f.Handler, f.EventType)
}

func (d *Dispatcher) subscribers(eventType string) []subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()
	subs := d.handlers[eventType]
	out := make([]subscription, len(subs))
	copy(out, subs)
	return out
}

func (d *Dispatcher) invoke(ctx context.Context, sub subscription, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event handler panicked",
				zap.String("event_type", evt.EventType()),
				zap.String("handler", sub.name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("handler %s panicked: %v", sub.name, r)
		}
	}()
	return sub.handler(ctx, evt)
}

func (d *Dispatcher) enqueue(ctx context.Context, handler string, evt Event, cause error) error {
	payload, err := d.codec.Encode(evt)
	if err != nil {
		return err
	}
	now := d.clock.Now()
	// the caller's context may already be cancelled; the failure must still be recorded
	return d.store.Insert(context.WithoutCancel(ctx), &Failure{
		ID:            d.genID.Generate(),
		EventType:     evt.EventType(),
		Handler:       handler,
		AggregateID:   evt.AggregateID(),
		Payload:       datatypes.JSON(payload),
		Attempts:      1,
		NextAttemptAt: now.Add(d.policy.Delay(1)),
		LastError:     truncate(cause.Error()),
		CreatedAt:     now,
	})
}

func truncate(s string) string {
	if len(s) <= maxErrorLength {
		return s
	}
	return s[:maxErrorLength]
}
