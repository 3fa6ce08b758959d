package models

import "time"

// Plan identifiers stored in subscription.plan.
const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// Unlimited marks a limit that is never enforced.
const Unlimited = -1

// PlanLimits are the entitlements of a subscription plan.
type PlanLimits struct {
	AuditsPerDay    int  `json:"auditsPerDay"`   // Unlimited or > 0
	AuditsPerMonth  int  `json:"auditsPerMonth"` // Unlimited or > 0
	TeamSize        int  `json:"teamSize"`
	StorageMB       int  `json:"storageMb"`
	ExportPDF       bool `json:"exportPdf"`
	APIAccess       bool `json:"apiAccess"`
	PrioritySupport bool `json:"prioritySupport"`
	CustomBranding  bool `json:"customBranding"`
}

// UnlimitedDaily reports whether the daily gate applies to this plan.
func (l PlanLimits) UnlimitedDaily() bool {
	return l.AuditsPerDay == Unlimited
}

type Subscription struct {
	Plan   string `json:"plan"`
	Status string `json:"status,omitempty"`
}

// UsageLedger holds the audit counters of a user.
type UsageLedger struct {
	AuditsToday     int        `json:"auditsToday"`
	AuditsThisMonth int        `json:"auditsThisMonth"`
	AuditsTotal     int        `json:"auditsTotal"`
	LastAuditDate   *time.Time `json:"lastAuditDate,omitempty"`
}

type BetaAccess struct {
	Granted bool `json:"granted"`
	HasQuit bool `json:"hasQuit"`
}

// UserRecord is the persisted user. The usage core only touches Usage.
type UserRecord struct {
	Email        string       `json:"email"`
	Name         string       `json:"name,omitempty"`
	Subscription Subscription `json:"subscription"`
	Usage        UsageLedger  `json:"usage"`
	BetaAccess   BetaAccess   `json:"betaAccess"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// IsExemptBetaUser reports whether the user bypasses plan limits.
func (u *UserRecord) IsExemptBetaUser() bool {
	return u.BetaAccess.Granted && !u.BetaAccess.HasQuit
}

// Clone returns a deep copy, so callers can mutate usage without aliasing LastAuditDate.
func (u *UserRecord) Clone() *UserRecord {
	if u == nil {
		return nil
	}
	c := *u
	if u.Usage.LastAuditDate != nil {
		t := *u.Usage.LastAuditDate
		c.Usage.LastAuditDate = &t
	}
	return &c
}
