package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtendVIPStacksOnRemainingTime(t *testing.T) {
	now := time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)
	current := now.Add(10 * day)
	l := &Ledger{VIPExpiresAt: &current}

	got := l.ExtendVIP(PlanYearly.Duration(), now)
	assert.Equal(t, now.Add(10*day+365*day), got)
}

func TestExtendVIPFromExpiredStartsNow(t *testing.T) {
	now := time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)
	expired := now.Add(-48 * time.Hour)
	l := &Ledger{VIPExpiresAt: &expired}

	assert.Equal(t, now.Add(30*day), l.ExtendVIP(PlanMonthly.Duration(), now))
	assert.True(t, l.IsVIP(now))
	assert.False(t, l.IsVIP(now.Add(31*day)))
}

func TestConsumeFreeNeverGoesNegative(t *testing.T) {
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	l := NewLedger("u", 1, now)

	require.NoError(t, l.ConsumeFree(now))
	assert.ErrorIs(t, l.ConsumeFree(now), ErrQuotaExceeded)
	assert.Zero(t, l.FreeRemaining)
}

func TestPeriodRollover(t *testing.T) {
	june := time.Date(2026, 6, 30, 23, 59, 0, 0, time.UTC)
	l := NewLedger("u", 3, june)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), l.PeriodStart)
	assert.False(t, l.RolloverDue(june))

	july := june.Add(2 * time.Minute)
	assert.True(t, l.RolloverDue(july))
	l.FreeRemaining = 0
	l.Reset(5, july)
	assert.Equal(t, 5, l.FreeRemaining)
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), l.PeriodStart)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), l.Status(july).PeriodEnd)
}

func TestParsePlan(t *testing.T) {
	p, err := ParsePlan(" Quarterly ")
	require.NoError(t, err)
	assert.Equal(t, PlanQuarterly, p)
	assert.Equal(t, 90*day, p.Duration())

	_, err = ParsePlan("lifetime")
	assert.ErrorIs(t, err, ErrUnknownPlan)
}
