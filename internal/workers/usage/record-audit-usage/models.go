package recordauditusage

import "time"

type Input struct {
	Email string `json:"email"`
}

// Output is returned to the process. AuditRecorded is false for beta users, whose audits are not counted.
type Output struct {
	AuditRecorded   bool       `json:"auditRecorded"`
	BetaExempt      bool       `json:"betaExempt"`
	Plan            string     `json:"plan"`
	AuditsToday     int        `json:"auditsToday"`
	AuditsThisMonth int        `json:"auditsThisMonth"`
	AuditsTotal     int        `json:"auditsTotal"`
	LastAuditDate   *time.Time `json:"lastAuditDate,omitempty"`
}
