package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/clock"
	entitlementdomain "github.com/smallbiznis/verdant/internal/entitlement/domain"
	"github.com/smallbiznis/verdant/internal/events"
	obsmetrics "github.com/smallbiznis/verdant/internal/observability/metrics"
	"github.com/smallbiznis/verdant/internal/outbox"
	"github.com/smallbiznis/verdant/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobPeriodReset  = "entitlement_period_reset"
	JobHandlerRetry = "event_handler_retry"
	JobOutboxPurge  = "outbox_purge"

	jobLockKey = "scheduler:job:%s"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type periodResetter interface {
	ResetDuePeriods(ctx context.Context, limit int) (int, error)
}

type failureRetrier interface {
	RetryFailed(ctx context.Context, limit int) (int, error)
}

type outboxPurger interface {
	PurgeDispatched(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type Params struct {
	fx.In

	Entitlements entitlementdomain.Service
	Dispatcher   *events.Dispatcher
	Outbox       *outbox.Store
	GenID        *snowflake.Node
	Clock        clock.Clock
	Log          *zap.Logger
	Config       Config                       `optional:"true"`
	Locker       *ratelimit.Locker            `optional:"true"`
	Metrics      *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	locker  *ratelimit.Locker
	metrics *obsmetrics.SchedulerMetrics

	periods  periodResetter
	failures failureRetrier
	outbox   outboxPurger
}

func New(p Params) (*Scheduler, error) {
	if p.Entitlements == nil || p.Dispatcher == nil || p.Outbox == nil || p.GenID == nil || p.Clock == nil || p.Log == nil {
		return nil, ErrInvalidConfig
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Scheduler()
	}
	return &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		locker:   p.Locker,
		metrics:  metrics,
		periods:  p.Entitlements,
		failures: p.Dispatcher,
		outbox:   p.Outbox,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	release, ok := s.acquire(ctx, name, timeout)
	if !ok {
		s.log.Debug("job held by another instance", zap.String("job", name))
		return nil
	}
	defer release()

	ctx, run := s.startJobRun(ctx, name, batchSize)
	s.logJobStart(run)
	log := s.log.With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err != nil {
		run.IncError()
	}
	s.logJobFinish(run)
	s.metrics.AddBatchProcessed(name, run.resource, run.processedCount)
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// acquire takes the cluster-wide job lock. Without redis every instance runs every job.
func (s *Scheduler) acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool) {
	if s.locker == nil {
		return func() {}, true
	}
	key := fmt.Sprintf(jobLockKey, name)
	token, ok, err := s.locker.TryLock(ctx, key, ttl)
	if err != nil {
		s.log.Warn("job lock unavailable", zap.String("job", name), zap.Error(err))
		return func() {}, true
	}
	if !ok {
		return nil, false
	}
	return func() {
		_ = s.locker.Release(context.WithoutCancel(ctx), key, token)
	}, true
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobPeriodReset, s.PeriodResetJob},
		{JobHandlerRetry, s.HandlerRetryJob},
		{JobOutboxPurge, s.OutboxPurgeJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job runs
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// PeriodResetJob restores the free allocation of ledgers whose period has ended.
func (s *Scheduler) PeriodResetJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	run.SetResource("entitlement_ledger")
	reset, err := s.periods.ResetDuePeriods(ctx, s.cfg.BatchSize)
	run.AddProcessed(reset)
	return err
}

// HandlerRetryJob re-delivers in-process events whose handlers failed.
func (s *Scheduler) HandlerRetryJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	run.SetResource("event_handler_failure")
	resolved, err := s.failures.RetryFailed(ctx, s.cfg.BatchSize)
	run.AddProcessed(resolved)
	return err
}

// OutboxPurgeJob deletes dispatched outbox rows past retention. Undelivered rows are never touched.
func (s *Scheduler) OutboxPurgeJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	run.SetResource("outbox_event")
	cutoff := s.clock.Now().Add(-s.cfg.OutboxRetention)
	purged, err := s.outbox.PurgeDispatched(ctx, cutoff, s.cfg.BatchSize)
	run.AddProcessed(int(purged))
	return err
}
