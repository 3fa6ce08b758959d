package usage

import (
	"testing"
	"time"

	"rgaa-audit-workers/internal/models"

	"github.com/stretchr/testify/assert"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr(t time.Time) *time.Time { return &t }

func freeUser(today int, last *time.Time) *models.UserRecord {
	return &models.UserRecord{
		Email:        "u1@example.com",
		Subscription: models.Subscription{Plan: models.PlanFree},
		Usage:        models.UsageLedger{AuditsToday: today, LastAuditDate: last},
	}
}

func TestGetPlanLimits(t *testing.T) {
	assert.Equal(t, 3, GetPlanLimits("free").AuditsPerDay)
	assert.Equal(t, 30, GetPlanLimits("free").AuditsPerMonth)
	assert.True(t, GetPlanLimits("pro").UnlimitedDaily())
	assert.Equal(t, 300, GetPlanLimits("pro").AuditsPerMonth)
	assert.Equal(t, models.Unlimited, GetPlanLimits("enterprise").AuditsPerMonth)
	assert.Equal(t, GetPlanLimits("pro"), GetPlanLimits("  PRO "))
}

func TestGetPlanLimits_UnknownFallsBackToFree(t *testing.T) {
	assert.Equal(t, GetPlanLimits("free"), GetPlanLimits("bogus-plan"))
	assert.Equal(t, GetPlanLimits("free"), GetPlanLimits(""))
	assert.False(t, KnownPlan("bogus-plan"))
	assert.Equal(t, models.PlanFree, ResolvePlan("bogus-plan"))
}

func TestGetPlanLimits_ReturnsCopy(t *testing.T) {
	l := GetPlanLimits("free")
	l.AuditsPerDay = 999
	assert.Equal(t, 3, GetPlanLimits("free").AuditsPerDay)
}

func TestCanAudit(t *testing.T) {
	now := at("2025-06-10T15:00:00Z")

	tests := []struct {
		name    string
		rec     *models.UserRecord
		allowed bool
	}{
		{"never audited", freeUser(0, nil), true},
		{"below limit today", freeUser(2, ptr(at("2025-06-10T09:00:00Z"))), true},
		{"at limit today", freeUser(3, ptr(at("2025-06-10T09:00:00Z"))), false},
		{"over limit yesterday", freeUser(7, ptr(at("2025-06-09T23:59:59Z"))), true},
		{
			"beta user over limit",
			func() *models.UserRecord {
				r := freeUser(10, ptr(now))
				r.BetaAccess = models.BetaAccess{Granted: true}
				return r
			}(),
			true,
		},
		{
			"beta user who quit",
			func() *models.UserRecord {
				r := freeUser(3, ptr(now))
				r.BetaAccess = models.BetaAccess{Granted: true, HasQuit: true}
				return r
			}(),
			false,
		},
		{
			"pro plan never gated daily",
			func() *models.UserRecord {
				r := freeUser(500, ptr(now))
				r.Subscription.Plan = models.PlanPro
				return r
			}(),
			true,
		},
		{
			"unknown plan uses free limits",
			func() *models.UserRecord {
				r := freeUser(3, ptr(now))
				r.Subscription.Plan = "gold"
				return r
			}(),
			false,
		},
	}

	gate := NewGate(func() time.Time { return now })
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := gate.CanAudit(tt.rec)
			assert.Equal(t, tt.allowed, d.Allowed)
			if !tt.allowed {
				assert.Equal(t, ReasonDailyLimitReached, d.Reason)
			} else {
				assert.Empty(t, d.Reason)
			}
		})
	}
}

func TestCanAudit_DayBoundaryIsUTC(t *testing.T) {
	paris := time.FixedZone("CEST", 2*3600)
	// 00:30 in Paris on the 11th is still the 10th in UTC.
	last := time.Date(2025, 6, 11, 0, 30, 0, 0, paris)
	now := at("2025-06-10T23:00:00Z")

	d := NewGate(func() time.Time { return now }).CanAudit(freeUser(3, &last))
	assert.False(t, d.Allowed)
}

func TestCanAudit_Idempotent(t *testing.T) {
	now := at("2025-06-10T15:00:00Z")
	rec := freeUser(2, ptr(at("2025-06-10T09:00:00Z")))
	before := *rec
	gate := NewGate(func() time.Time { return now })

	first := gate.CanAudit(rec)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, gate.CanAudit(rec))
	}
	assert.Equal(t, before, *rec)
}

func TestSummarize(t *testing.T) {
	now := at("2025-06-10T15:00:00Z")

	rec := freeUser(2, ptr(at("2025-06-10T09:00:00Z")))
	rec.Usage.AuditsThisMonth = 10
	rec.Usage.AuditsTotal = 40
	s := Summarize(rec, now)
	assert.Equal(t, 2, s.AuditsToday)
	assert.Equal(t, 1, s.RemainingToday)
	assert.Equal(t, 20, s.RemainingThisMonth)

	stale := freeUser(3, ptr(at("2025-06-09T09:00:00Z")))
	s = Summarize(stale, now)
	assert.Equal(t, 0, s.AuditsToday)
	assert.Equal(t, 3, s.RemainingToday)

	pro := freeUser(4, ptr(now))
	pro.Subscription.Plan = models.PlanPro
	s = Summarize(pro, now)
	assert.Equal(t, models.Unlimited, s.RemainingToday)
	assert.Equal(t, 4, s.AuditsToday)

	beta := freeUser(3, ptr(now))
	beta.BetaAccess.Granted = true
	s = Summarize(beta, now)
	assert.True(t, s.BetaExempt)
	assert.Equal(t, models.Unlimited, s.RemainingToday)
}

func TestSummarize_MissingRecord(t *testing.T) {
	now := at("2025-06-10T15:00:00Z")
	var s Summary
	assert.NotPanics(t, func() { s = Summarize(nil, now) })
	assert.Equal(t, models.PlanFree, s.Plan)
	assert.Zero(t, s.RemainingToday)
	assert.Zero(t, s.RemainingThisMonth)
	assert.False(t, NewGate(func() time.Time { return now }).CanAudit(nil).Allowed)
}
