package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Plan string

const (
	PlanMonthly   Plan = "monthly"
	PlanQuarterly Plan = "quarterly"
	PlanYearly    Plan = "yearly"
)

const day = 24 * time.Hour

var planDurations = map[Plan]time.Duration{
	PlanMonthly:   30 * day,
	PlanQuarterly: 90 * day,
	PlanYearly:    365 * day,
}

func ParsePlan(raw string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := planDurations[p]; !ok {
		return "", ErrUnknownPlan
	}
	return p, nil
}

func (p Plan) Duration() time.Duration {
	return planDurations[p]
}

// Ledger is the per-user entitlement state. Version guards every update.
type Ledger struct {
	UserID         string
	VIPExpiresAt   *time.Time
	FreeRemaining  int
	FreeAllocation int
	PeriodStart    time.Time
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewLedger starts a user in the current period with a full allocation.
func NewLedger(userID string, allocation int, now time.Time) *Ledger {
	now = now.UTC()
	return &Ledger{
		UserID:         userID,
		FreeRemaining:  allocation,
		FreeAllocation: allocation,
		PeriodStart:    PeriodStart(now),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (l *Ledger) IsVIP(now time.Time) bool {
	return l.VIPExpiresAt != nil && l.VIPExpiresAt.After(now)
}

// ExtendVIP adds d to whichever is later: now or the current expiry.
func (l *Ledger) ExtendVIP(d time.Duration, now time.Time) time.Time {
	base := now.UTC()
	if l.VIPExpiresAt != nil && l.VIPExpiresAt.After(base) {
		base = l.VIPExpiresAt.UTC()
	}
	expiry := base.Add(d)
	l.VIPExpiresAt = &expiry
	l.UpdatedAt = now.UTC()
	return expiry
}

// RolloverDue reports whether the ledger still belongs to an earlier period.
func (l *Ledger) RolloverDue(now time.Time) bool {
	return l.PeriodStart.Before(PeriodStart(now))
}

// Reset refills the free allocation for the period containing now.
func (l *Ledger) Reset(allocation int, now time.Time) {
	l.FreeAllocation = allocation
	l.FreeRemaining = allocation
	l.PeriodStart = PeriodStart(now)
	l.UpdatedAt = now.UTC()
}

func (l *Ledger) ConsumeFree(now time.Time) error {
	if l.FreeRemaining <= 0 {
		return ErrQuotaExceeded
	}
	l.FreeRemaining--
	l.UpdatedAt = now.UTC()
	return nil
}

func (l *Ledger) Status(now time.Time) Status {
	s := Status{
		UserID:         l.UserID,
		IsVIP:          l.IsVIP(now),
		FreeRemaining:  l.FreeRemaining,
		FreeAllocation: l.FreeAllocation,
		PeriodStart:    l.PeriodStart,
		PeriodEnd:      NextPeriodStart(l.PeriodStart),
	}
	if l.VIPExpiresAt != nil {
		at := l.VIPExpiresAt.UTC()
		s.VIPExpiresAt = &at
	}
	return s
}

// PeriodStart is the first instant of the UTC calendar month containing t.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func NextPeriodStart(start time.Time) time.Time {
	return PeriodStart(start).AddDate(0, 1, 0)
}

// Application records that an order's plan was applied. OrderID is the dedup key.
type Application struct {
	OrderID      snowflake.ID
	UserID       string
	Plan         Plan
	VIPExpiresAt time.Time
	AppliedAt    time.Time
}

type Status struct {
	UserID         string     `json:"user_id"`
	IsVIP          bool       `json:"is_vip"`
	VIPExpiresAt   *time.Time `json:"vip_expires_at,omitempty"`
	FreeRemaining  int        `json:"free_remaining"`
	FreeAllocation int        `json:"free_allocation"`
	PeriodStart    time.Time  `json:"period_start"`
	PeriodEnd      time.Time  `json:"period_end"`
}
