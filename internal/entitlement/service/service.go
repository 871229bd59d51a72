package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/config"
	"github.com/smallbiznis/verdant/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/verdant/internal/observability/metrics"
	"github.com/smallbiznis/verdant/pkg/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Repo       domain.Repository
	Clock      clock.Clock
	Log        *zap.Logger
	Config     config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	repo       domain.Repository
	clock      clock.Clock
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics
	allocation int
	policy     retry.Policy
}

func NewService(p Params) domain.Service {
	allocation := p.Config.Entitlement.FreeDetectionsPerPeriod
	if allocation < 0 {
		allocation = 0
	}
	attempts := p.Config.Entitlement.MaxAttempts
	if attempts <= 0 {
		attempts = 10
	}
	return &Service{
		repo:       p.Repo,
		clock:      p.Clock,
		log:        p.Log.Named("entitlement.service"),
		obsMetrics: p.ObsMetrics,
		allocation: allocation,
		policy: retry.Policy{
			MaxAttempts:  attempts,
			InitialDelay: 2 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Multiplier:   2,
			Jitter:       0.5,
		},
	}
}

// ApplyMembershipPurchase extends VIP for the plan bought by orderID. Applying the same
// order again returns the current status without changing it.
func (s *Service) ApplyMembershipPurchase(ctx context.Context, userID string, plan domain.Plan, orderID snowflake.ID) (*domain.Status, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	plan, err := domain.ParsePlan(string(plan))
	if err != nil {
		return nil, err
	}

	var ledger *domain.Ledger
	err = s.withLedger(ctx, userID, func(l *domain.Ledger, now time.Time) error {
		expectedVersion := l.Version
		expiry := l.ExtendVIP(plan.Duration(), now)
		applied, err := s.repo.Apply(ctx, domain.Application{
			OrderID:      orderID,
			UserID:       userID,
			Plan:         plan,
			VIPExpiresAt: expiry,
			AppliedAt:    now,
		}, l, expectedVersion)
		if err != nil {
			return err
		}
		if !applied {
			s.log.Info("membership already applied",
				zap.String("user_id", userID),
				zap.String("order_id", orderID.String()),
			)
			ledger, err = s.repo.Load(ctx, userID)
			return err
		}

		ledger = l
		ledger.Version = expectedVersion + 1
		s.obsMetrics.RecordEntitlementApplied(ctx, string(plan))
		s.log.Info("membership applied",
			zap.String("user_id", userID),
			zap.String("order_id", orderID.String()),
			zap.String("plan", string(plan)),
			zap.Time("vip_expires_at", expiry),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	status := ledger.Status(s.clock.Now())
	return &status, nil
}

// ConsumeFreeDetection authorises one detection. VIP users are never charged.
func (s *Service) ConsumeFreeDetection(ctx context.Context, userID string) (*domain.Status, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}

	var status domain.Status
	err := s.withLedger(ctx, userID, func(l *domain.Ledger, now time.Time) error {
		if l.IsVIP(now) {
			status = l.Status(now)
			s.obsMetrics.RecordDetectionConsumed(ctx, true)
			return nil
		}

		expectedVersion := l.Version
		if l.RolloverDue(now) {
			l.Reset(s.allocation, now)
		}
		if err := l.ConsumeFree(now); err != nil {
			return err
		}
		version, err := s.repo.Update(ctx, l, expectedVersion)
		if err != nil {
			return err
		}
		l.Version = version
		status = l.Status(now)
		s.obsMetrics.RecordDetectionConsumed(ctx, false)
		return nil
	})
	if errors.Is(err, domain.ErrQuotaExceeded) {
		s.obsMetrics.RecordQuotaDenied(ctx)
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (s *Service) ResetPeriod(ctx context.Context, userID string) (*domain.Status, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}

	var status domain.Status
	err := s.withLedger(ctx, userID, func(l *domain.Ledger, now time.Time) error {
		expectedVersion := l.Version
		l.Reset(s.allocation, now)
		version, err := s.repo.Update(ctx, l, expectedVersion)
		if err != nil {
			return err
		}
		l.Version = version
		status = l.Status(now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// ResetDuePeriods refills ledgers still in an earlier period and returns how many it
// refilled. Ledgers that roll over concurrently are skipped and not counted.
func (s *Service) ResetDuePeriods(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.clock.Now()
	userIDs, err := s.repo.ListStalePeriods(ctx, domain.PeriodStart(now), limit)
	if err != nil {
		return 0, err
	}

	reset := 0
	var errs []error
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return reset, ctx.Err()
		}
		refilled := false
		err := s.withLedger(ctx, userID, func(l *domain.Ledger, now time.Time) error {
			refilled = false
			if !l.RolloverDue(now) {
				return nil
			}
			expectedVersion := l.Version
			l.Reset(s.allocation, now)
			if _, err := s.repo.Update(ctx, l, expectedVersion); err != nil {
				return err
			}
			refilled = true
			return nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if refilled {
			reset++
		}
	}
	return reset, errors.Join(errs...)
}

func (s *Service) Get(ctx context.Context, userID string) (*domain.Status, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	now := s.clock.Now()
	l, err := s.repo.Load(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		l = domain.NewLedger(userID, s.allocation, now)
	} else if err != nil {
		return nil, err
	}
	if l.RolloverDue(now) {
		l.Reset(s.allocation, now)
	}
	status := l.Status(now)
	return &status, nil
}

// withLedger loads, or lazily creates, the user's ledger and runs fn, retrying fn with a
// fresh copy on version conflicts.
func (s *Service) withLedger(ctx context.Context, userID string, fn func(l *domain.Ledger, now time.Time) error) error {
	err := retry.Do(ctx, s.policy, isConflict, func(ctx context.Context) error {
		l, err := s.loadOrCreate(ctx, userID)
		if err != nil {
			return err
		}
		return fn(l, s.clock.Now())
	})
	if isConflict(err) {
		s.log.Warn("entitlement update gave up after conflicts", zap.String("user_id", userID))
	}
	return err
}

func (s *Service) loadOrCreate(ctx context.Context, userID string) (*domain.Ledger, error) {
	l, err := s.repo.Load(ctx, userID)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if err := s.repo.Insert(ctx, domain.NewLedger(userID, s.allocation, s.clock.Now())); err != nil {
		return nil, err
	}
	return s.repo.Load(ctx, userID)
}

func isConflict(err error) bool {
	return errors.Is(err, domain.ErrConcurrencyConflict)
}
