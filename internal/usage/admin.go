package usage

import (
	"context"
	"fmt"

	"rgaa-audit-workers/internal/models"
)

// Reset clears the usage counters of a user. The lifetime total is kept unless clearTotal is set.
func (l *Ledger) Reset(ctx context.Context, email string, clearTotal bool) (*models.UserRecord, error) {
	return l.update(ctx, email, func(rec *models.UserRecord) error {
		rec.Usage.AuditsToday = 0
		rec.Usage.AuditsThisMonth = 0
		if clearTotal {
			rec.Usage.AuditsTotal = 0
		}
		return nil
	}, EventUsageReset)
}

// ChangePlan moves a user to planID, which must be in the catalog.
func (l *Ledger) ChangePlan(ctx context.Context, email, planID string) (*models.UserRecord, error) {
	if !KnownPlan(planID) {
		return nil, fmt.Errorf("unknown plan %q", planID)
	}
	return l.update(ctx, email, func(rec *models.UserRecord) error {
		rec.Subscription.Plan = normalizePlan(planID)
		return nil
	}, "")
}

func (l *Ledger) update(ctx context.Context, email string, mutate func(*models.UserRecord) error, eventType string) (*models.UserRecord, error) {
	email = NormalizeEmail(email)
	unlock, err := l.locker.Lock(ctx, lockKey(email))
	if err != nil {
		return nil, fmt.Errorf("%w: acquire usage lock: %v", ErrStoreUnavailable, err)
	}
	defer unlock()

	ctx, cancel := l.boundToLock(ctx)
	defer cancel()

	current, err := l.fetch(ctx, email)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = l.now().UTC()

	stored, err := l.persistAndVerify(ctx, next, current)
	if err != nil {
		return nil, err
	}

	l.log.Info("User usage updated", map[string]interface{}{
		"email": email,
		"plan":  stored.Subscription.Plan,
	})
	if eventType != "" {
		l.publish(ctx, eventType, stored, ResolvePlan(stored.Subscription.Plan), l.now())
	}
	return stored, nil
}
