package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/config"
	"github.com/smallbiznis/verdant/internal/entitlement/domain"
	"github.com/smallbiznis/verdant/internal/entitlement/repository"
	"github.com/smallbiznis/verdant/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const day = 24 * time.Hour

func newService(t *testing.T, allocation int) (domain.Service, domain.Repository, *clock.FakeClock, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 7, 10, 12, 0, 0, 0, time.UTC))
	repo := repository.Provide(db)
	svc := NewService(Params{
		Repo:  repo,
		Clock: clk,
		Log:   zap.NewNop(),
		Config: config.Config{Entitlement: config.EntitlementConfig{
			FreeDetectionsPerPeriod: allocation,
			MaxAttempts:             10,
		}},
	})
	return svc, repo, clk, db
}

func TestApplyYearlyExtendsRemainingVIP(t *testing.T) {
	svc, repo, clk, _ := newService(t, 3)
	ctx := context.Background()
	now := clk.Now()

	require.NoError(t, repo.Insert(ctx, domain.NewLedger("u1", 3, now)))
	l, err := repo.Load(ctx, "u1")
	require.NoError(t, err)
	current := now.Add(10 * day)
	l.VIPExpiresAt = &current
	_, err = repo.Update(ctx, l, l.Version)
	require.NoError(t, err)

	status, err := svc.ApplyMembershipPurchase(ctx, "u1", domain.PlanYearly, snowflake.ID(100))
	require.NoError(t, err)
	require.NotNil(t, status.VIPExpiresAt)
	assert.True(t, status.IsVIP)
	assert.True(t, now.Add(375*day).Equal(*status.VIPExpiresAt), "got %s", status.VIPExpiresAt)
}

func TestApplyIsIdempotentPerOrder(t *testing.T) {
	svc, _, clk, db := newService(t, 3)
	ctx := context.Background()

	first, err := svc.ApplyMembershipPurchase(ctx, "u1", domain.PlanMonthly, snowflake.ID(7))
	require.NoError(t, err)
	assert.True(t, clk.Now().Add(30*day).Equal(*first.VIPExpiresAt))

	clk.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		again, err := svc.ApplyMembershipPurchase(ctx, "u1", domain.PlanMonthly, snowflake.ID(7))
		require.NoError(t, err)
		assert.True(t, first.VIPExpiresAt.Equal(*again.VIPExpiresAt))
	}
	assert.Equal(t, int64(1), testutil.CountRows(t, db, `SELECT COUNT(*) FROM entitlement_applications`))

	second, err := svc.ApplyMembershipPurchase(ctx, "u1", domain.PlanMonthly, snowflake.ID(8))
	require.NoError(t, err)
	assert.True(t, first.VIPExpiresAt.Add(30*day).Equal(*second.VIPExpiresAt))
}

func TestApplyRejectsUnknownPlan(t *testing.T) {
	svc, _, _, _ := newService(t, 3)
	_, err := svc.ApplyMembershipPurchase(context.Background(), "u1", domain.Plan("lifetime"), snowflake.ID(1))
	assert.ErrorIs(t, err, domain.ErrUnknownPlan)
}

func TestConsumeWithoutQuotaFails(t *testing.T) {
	svc, _, _, _ := newService(t, 0)
	_, err := svc.ConsumeFreeDetection(context.Background(), "u1")
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
}

func TestConsumeDecrementsAndVIPIsFree(t *testing.T) {
	svc, _, _, _ := newService(t, 2)
	ctx := context.Background()

	status, err := svc.ConsumeFreeDetection(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.FreeRemaining)

	_, err = svc.ApplyMembershipPurchase(ctx, "u1", domain.PlanMonthly, snowflake.ID(1))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		status, err = svc.ConsumeFreeDetection(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, status.IsVIP)
		assert.Equal(t, 1, status.FreeRemaining)
	}
}

func TestConsumeRollsOverLazily(t *testing.T) {
	svc, _, clk, _ := newService(t, 1)
	ctx := context.Background()

	_, err := svc.ConsumeFreeDetection(ctx, "u1")
	require.NoError(t, err)
	_, err = svc.ConsumeFreeDetection(ctx, "u1")
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)

	clk.Set(time.Date(2026, 8, 1, 0, 0, 1, 0, time.UTC))
	status, err := svc.ConsumeFreeDetection(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.FreeRemaining)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), status.PeriodStart)
}

func TestLastDetectionGoesToExactlyOneCaller(t *testing.T) {
	svc, _, _, _ := newService(t, 2)
	ctx := context.Background()
	status, err := svc.ConsumeFreeDetection(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, status.FreeRemaining)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := make(chan struct{})
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.ConsumeFreeDetection(ctx, "u1")
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, denied int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, domain.ErrQuotaExceeded)
		denied++
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, denied)
}

func TestConcurrentConsumptionNeverExceedsAllocation(t *testing.T) {
	svc, _, _, _ := newService(t, 5)
	ctx := context.Background()

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ConsumeFreeDetection(ctx, "u1")
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, domain.ErrQuotaExceeded)
	}
	assert.Equal(t, 5, ok)

	status, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.FreeRemaining)
}

func TestResetDuePeriods(t *testing.T) {
	svc, _, clk, _ := newService(t, 3)
	ctx := context.Background()

	for _, user := range []string{"a", "b"} {
		_, err := svc.ConsumeFreeDetection(ctx, user)
		require.NoError(t, err)
	}

	n, err := svc.ResetDuePeriods(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Set(time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC))
	n, err = svc.ResetDuePeriods(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	status, err := svc.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, status.FreeRemaining)
}

// staleSnapshot replays a stale-period listing taken before other writers ran.
type staleSnapshot struct {
	domain.Repository
	ids []string
}

func (s staleSnapshot) ListStalePeriods(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return s.ids, nil
}

func TestResetDuePeriodsSkipsLedgersAlreadyRolledOver(t *testing.T) {
	svc, repo, clk, _ := newService(t, 3)
	ctx := context.Background()

	for _, user := range []string{"a", "b"} {
		_, err := svc.ConsumeFreeDetection(ctx, user)
		require.NoError(t, err)
	}

	clk.Set(time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC))
	stale, err := repo.ListStalePeriods(ctx, domain.PeriodStart(clk.Now()), 10)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, stale)

	// b rolls over lazily between the listing and the sweep.
	status, err := svc.ConsumeFreeDetection(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, status.FreeRemaining)

	sweeper := NewService(Params{
		Repo:  staleSnapshot{Repository: repo, ids: stale},
		Clock: clk,
		Log:   zap.NewNop(),
		Config: config.Config{Entitlement: config.EntitlementConfig{
			FreeDetectionsPerPeriod: 3,
			MaxAttempts:             10,
		}},
	})
	n, err := sweeper.ResetDuePeriods(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only a was refilled by the sweep")

	status, err = svc.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, status.FreeRemaining, "lazy rollover consumption must survive the sweep")
}

func TestResetPeriodRefills(t *testing.T) {
	svc, _, _, _ := newService(t, 2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := svc.ConsumeFreeDetection(ctx, "u1")
		require.NoError(t, err)
	}

	status, err := svc.ResetPeriod(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, status.FreeRemaining)
}

func TestGetWithoutLedger(t *testing.T) {
	svc, _, _, db := newService(t, 3)
	status, err := svc.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, status.IsVIP)
	assert.Equal(t, 3, status.FreeRemaining)
	assert.Equal(t, int64(0), testutil.CountRows(t, db, `SELECT COUNT(*) FROM entitlement_ledgers`))

	_, err = svc.Get(context.Background(), "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidUser)
}
