package usage

import (
	"time"

	"rgaa-audit-workers/internal/models"
)

// ReasonDailyLimitReached is the denial reason of the daily gate.
const ReasonDailyLimitReached = "daily audit limit reached"

const dayLayout = "2006-01-02"

// Decision is the outcome of an entitlement check.
type Decision struct {
	Allowed    bool
	Reason     string
	Plan       string
	Limits     models.PlanLimits
	BetaExempt bool
}

// Gate answers whether a user may start another audit. It performs no I/O.
type Gate struct {
	now func() time.Time
}

func NewGate(now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{now: now}
}

// CanAudit evaluates rec at the gate's current time.
func (g *Gate) CanAudit(rec *models.UserRecord) Decision {
	return evaluate(rec, g.now())
}

func evaluate(rec *models.UserRecord, now time.Time) Decision {
	if rec == nil {
		return Decision{Reason: "user record missing", Plan: models.PlanFree, Limits: GetPlanLimits(models.PlanFree)}
	}

	plan := ResolvePlan(rec.Subscription.Plan)
	limits := GetPlanLimits(plan)
	d := Decision{Allowed: true, Plan: plan, Limits: limits}

	if rec.IsExemptBetaUser() {
		d.BetaExempt = true
		return d
	}
	if limits.UnlimitedDaily() {
		return d
	}
	// A new day resets eligibility whatever the previous count was.
	if !sameDay(rec.Usage.LastAuditDate, now) {
		return d
	}
	if rec.Usage.AuditsToday >= limits.AuditsPerDay {
		d.Allowed = false
		d.Reason = ReasonDailyLimitReached
	}
	return d
}

func dayKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

func sameDay(last *time.Time, now time.Time) bool {
	return last != nil && dayKey(*last) == dayKey(now)
}

// Summary is the usage view shown next to the audit form.
type Summary struct {
	Plan               string            `json:"plan"`
	Limits             models.PlanLimits `json:"limits"`
	AuditsToday        int               `json:"auditsToday"`
	AuditsThisMonth    int               `json:"auditsThisMonth"`
	AuditsTotal        int               `json:"auditsTotal"`
	RemainingToday     int               `json:"remainingToday"`     // models.Unlimited when not capped
	RemainingThisMonth int               `json:"remainingThisMonth"` // display only, never enforced
	LastAuditDate      *time.Time        `json:"lastAuditDate,omitempty"`
	BetaExempt         bool              `json:"betaExempt"`
}

// Summarize reports usage as of now. AuditsToday is 0 when the last audit was on an earlier day.
func Summarize(rec *models.UserRecord, now time.Time) Summary {
	if rec == nil {
		// Matches evaluate: a missing record is denied, so nothing remains.
		return Summary{Plan: models.PlanFree, Limits: GetPlanLimits(models.PlanFree)}
	}

	plan := ResolvePlan(rec.Subscription.Plan)
	limits := GetPlanLimits(plan)

	today := 0
	if sameDay(rec.Usage.LastAuditDate, now) {
		today = rec.Usage.AuditsToday
	}

	s := Summary{
		Plan:               plan,
		Limits:             limits,
		AuditsToday:        today,
		AuditsThisMonth:    rec.Usage.AuditsThisMonth,
		AuditsTotal:        rec.Usage.AuditsTotal,
		RemainingToday:     remaining(limits.AuditsPerDay, today),
		RemainingThisMonth: remaining(limits.AuditsPerMonth, rec.Usage.AuditsThisMonth),
		LastAuditDate:      rec.Usage.LastAuditDate,
		BetaExempt:         rec.IsExemptBetaUser(),
	}
	if s.BetaExempt {
		s.RemainingToday = models.Unlimited
		s.RemainingThisMonth = models.Unlimited
	}
	return s
}

func remaining(limit, used int) int {
	if limit == models.Unlimited {
		return models.Unlimited
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
