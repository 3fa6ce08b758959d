package checkauditentitlement

import "rgaa-audit-workers/internal/usage"

type Input struct {
	Email string `json:"email"`
}

type Output struct {
	AuditAllowed bool          `json:"auditAllowed"`
	DenialReason string        `json:"denialReason,omitempty"`
	Plan         string        `json:"plan"`
	Usage        usage.Summary `json:"usage"`
}
