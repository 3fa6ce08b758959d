// Package usage implements audit usage accounting: the plan catalog, the entitlement gate
// and the usage ledger that advances per-user counters.
package usage

import (
	"strings"

	"rgaa-audit-workers/internal/models"
)

var planCatalog = map[string]models.PlanLimits{
	models.PlanFree: {
		AuditsPerDay:   3,
		AuditsPerMonth: 30,
		TeamSize:       1,
		StorageMB:      100,
	},
	models.PlanPro: {
		AuditsPerDay:    models.Unlimited,
		AuditsPerMonth:  300,
		TeamSize:        5,
		StorageMB:       5 * 1024,
		ExportPDF:       true,
		APIAccess:       true,
		PrioritySupport: true,
	},
	models.PlanEnterprise: {
		AuditsPerDay:    models.Unlimited,
		AuditsPerMonth:  models.Unlimited,
		TeamSize:        models.Unlimited,
		StorageMB:       models.Unlimited,
		ExportPDF:       true,
		APIAccess:       true,
		PrioritySupport: true,
		CustomBranding:  true,
	},
}

// GetPlanLimits returns the limits of planID, defaulting to the free plan for unknown ids.
func GetPlanLimits(planID string) models.PlanLimits {
	if limits, ok := planCatalog[normalizePlan(planID)]; ok {
		return limits
	}
	return planCatalog[models.PlanFree]
}

// KnownPlan reports whether planID is in the catalog.
func KnownPlan(planID string) bool {
	_, ok := planCatalog[normalizePlan(planID)]
	return ok
}

// ResolvePlan returns the catalog id that limits are taken from.
func ResolvePlan(planID string) string {
	if KnownPlan(planID) {
		return normalizePlan(planID)
	}
	return models.PlanFree
}

func normalizePlan(planID string) string {
	return strings.ToLower(strings.TrimSpace(planID))
}
