package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rgaa-audit-workers/internal/common/lock"
	"rgaa-audit-workers/internal/common/logger"
	"rgaa-audit-workers/internal/common/metrics"
	"rgaa-audit-workers/internal/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// readBackTolerance absorbs timestamp truncation by the store (Postgres keeps microseconds).
const readBackTolerance = time.Second

// Ledger advances the usage counters of a user. Every call re-reads the record under a
// per-user lock, so concurrent increments for the same user are never lost.
type Ledger struct {
	store   Store
	locker  Locker
	sink    EventSink
	alerter Alerter
	log     logger.Logger
	now     func() time.Time
	hold    time.Duration
	tracer  trace.Tracer
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLocker(locker Locker) Option {
	return func(l *Ledger) { l.locker = locker }
}

// WithLockHold bounds the work done under the user lock. Set it below the lock TTL so a
// writer gives up before its lock can expire.
func WithLockHold(d time.Duration) Option {
	return func(l *Ledger) { l.hold = d }
}

func WithEventSink(sink EventSink) Option {
	return func(l *Ledger) { l.sink = sink }
}

func WithAlerter(alerter Alerter) Option {
	return func(l *Ledger) { l.alerter = alerter }
}

func NewLedger(store Store, log logger.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		locker: lock.NewKeyedMutex(),
		log:    log,
		now:    time.Now,
		tracer: otel.Tracer("rgaa-audit-workers/usage"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logger.NewNoOpLogger()
	}
	return l
}

// Entitlement is the answer to an entitlement check together with the record it was based on.
type Entitlement struct {
	Decision Decision
	Summary  Summary
	Record   *models.UserRecord
}

// Check loads the user and evaluates the gate. It never writes.
func (l *Ledger) Check(ctx context.Context, email string) (*Entitlement, error) {
	ctx, span := l.tracer.Start(ctx, "usage.Check")
	defer span.End()

	rec, err := l.fetch(ctx, NormalizeEmail(email))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now := l.now()
	d := evaluate(rec, now)
	span.SetAttributes(attribute.String("usage.plan", d.Plan), attribute.Bool("usage.allowed", d.Allowed))
	if !d.Allowed {
		metrics.AuditsDenied.WithLabelValues(d.Plan).Inc()
		l.publish(ctx, EventAuditDenied, rec, d.Plan, now)
	}
	return &Entitlement{Decision: d, Summary: Summarize(rec, now), Record: rec}, nil
}

// RecordAudit counts one audit for rec's owner and returns the record as read back from the
// store. The record passed in only identifies the user; counters are taken from a fresh read.
func (l *Ledger) RecordAudit(ctx context.Context, rec *models.UserRecord) (*models.UserRecord, error) {
	if rec == nil || NormalizeEmail(rec.Email) == "" {
		return nil, fmt.Errorf("%w: empty email", ErrUserNotFound)
	}
	email := NormalizeEmail(rec.Email)

	ctx, span := l.tracer.Start(ctx, "usage.RecordAudit")
	defer span.End()

	updated, err := l.recordLocked(ctx, email)
	if err != nil && !errors.Is(err, ErrLimitExceeded) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return updated, err
}

func (l *Ledger) recordLocked(ctx context.Context, email string) (*models.UserRecord, error) {
	start := time.Now()
	unlock, err := l.locker.Lock(ctx, lockKey(email))
	metrics.LockWait.Observe(time.Since(start).Seconds())
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

	if current.IsExemptBetaUser() {
		metrics.BetaAuditsExempt.Inc()
		l.log.Debug("Beta user audit not counted", map[string]interface{}{"email": email})
		return current, nil
	}

	now := l.now()
	plan := ResolvePlan(current.Subscription.Plan)
	next, err := advance(current, now)
	if err != nil {
		metrics.AuditsDenied.WithLabelValues(plan).Inc()
		l.publish(ctx, EventAuditDenied, current, plan, now)
		return nil, err
	}

	stored, err := l.persistAndVerify(ctx, next, current)
	if err != nil {
		return nil, err
	}

	metrics.AuditsRecorded.WithLabelValues(plan).Inc()
	l.log.Info("Audit recorded", map[string]interface{}{
		"email":           email,
		"plan":            plan,
		"auditsToday":     stored.Usage.AuditsToday,
		"auditsThisMonth": stored.Usage.AuditsThisMonth,
		"auditsTotal":     stored.Usage.AuditsTotal,
	})
	l.publish(ctx, EventAuditRecorded, stored, plan, now)
	return stored, nil
}

// advance computes the next ledger for one more audit at now, or a *LimitError.
func advance(rec *models.UserRecord, now time.Time) (*models.UserRecord, error) {
	d := evaluate(rec, now)
	if !d.Allowed {
		return nil, &LimitError{Plan: d.Plan, Limit: d.Limits.AuditsPerDay, Used: rec.Usage.AuditsToday}
	}

	next := rec.Clone()
	if sameDay(rec.Usage.LastAuditDate, now) {
		next.Usage.AuditsToday++
	} else {
		next.Usage.AuditsToday = 1
	}
	next.Usage.AuditsThisMonth++
	next.Usage.AuditsTotal++
	at := now.UTC()
	next.Usage.LastAuditDate = &at
	next.UpdatedAt = at
	return next, nil
}

// boundToLock limits ctx to the lock hold, if one is set.
func (l *Ledger) boundToLock(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.hold <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.hold)
}

// persistAndVerify writes next fenced on prev, then reads it back and checks the plan and
// counters landed.
func (l *Ledger) persistAndVerify(ctx context.Context, next, prev *models.UserRecord) (*models.UserRecord, error) {
	if err := l.store.PersistUserRecord(ctx, next, prev); err != nil {
		return nil, l.persistenceFailure(ctx, next, fmt.Errorf("write: %w", err))
	}

	stored, err := l.store.FetchUserRecord(ctx, next.Email)
	if err != nil {
		return nil, l.persistenceFailure(ctx, next, fmt.Errorf("read-back: %w", err))
	}
	if stored == nil {
		return nil, l.persistenceFailure(ctx, next, errors.New("read-back returned no record"))
	}
	if !ledgerApplied(next.Usage, stored.Usage) || stored.Subscription.Plan != next.Subscription.Plan {
		return nil, l.persistenceFailure(ctx, next, fmt.Errorf(
			"read-back mismatch: stored plan=%s today=%d month=%d total=%d",
			stored.Subscription.Plan, stored.Usage.AuditsToday, stored.Usage.AuditsThisMonth, stored.Usage.AuditsTotal))
	}
	return stored, nil
}

func ledgerApplied(want, got models.UsageLedger) bool {
	if want.AuditsToday != got.AuditsToday ||
		want.AuditsThisMonth != got.AuditsThisMonth ||
		want.AuditsTotal != got.AuditsTotal {
		return false
	}
	if want.LastAuditDate == nil || got.LastAuditDate == nil {
		return want.LastAuditDate == nil && got.LastAuditDate == nil
	}
	diff := got.LastAuditDate.Sub(*want.LastAuditDate)
	return diff < readBackTolerance && diff > -readBackTolerance
}

func (l *Ledger) persistenceFailure(ctx context.Context, attempted *models.UserRecord, cause error) error {
	metrics.PersistenceFailures.Inc()
	perr := &PersistenceError{Email: attempted.Email, Attempted: attempted.Usage, Err: cause}

	l.log.WithError(cause).Error("Usage persistence failed", map[string]interface{}{
		"email":           attempted.Email,
		"plan":            attempted.Subscription.Plan,
		"auditsToday":     attempted.Usage.AuditsToday,
		"auditsThisMonth": attempted.Usage.AuditsThisMonth,
		"auditsTotal":     attempted.Usage.AuditsTotal,
	})

	if l.alerter != nil {
		msg := fmt.Sprintf("Usage for %s could not be persisted (today=%d month=%d total=%d): %v",
			attempted.Email, attempted.Usage.AuditsToday, attempted.Usage.AuditsThisMonth, attempted.Usage.AuditsTotal, cause)
		if err := l.alerter.Alert(context.WithoutCancel(ctx), "Usage persistence failure", msg); err != nil {
			l.log.Warn("Failed to send persistence alert", map[string]interface{}{"error": err.Error()})
		}
	}
	return perr
}

func (l *Ledger) fetch(ctx context.Context, email string) (*models.UserRecord, error) {
	rec, err := l.store.FetchUserRecord(ctx, email)
	switch {
	case errors.Is(err, ErrUserNotFound):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	case rec == nil:
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	return rec, nil
}

func (l *Ledger) publish(ctx context.Context, eventType string, rec *models.UserRecord, plan string, at time.Time) {
	if l.sink == nil {
		return
	}
	ev := Event{
		ID:              uuid.NewString(),
		Type:            eventType,
		Email:           NormalizeEmail(rec.Email),
		Plan:            plan,
		AuditsToday:     rec.Usage.AuditsToday,
		AuditsThisMonth: rec.Usage.AuditsThisMonth,
		AuditsTotal:     rec.Usage.AuditsTotal,
		OccurredAt:      at.UTC(),
	}
	if err := l.sink.Publish(ctx, ev); err != nil {
		l.log.Warn("Failed to publish usage event", map[string]interface{}{
			"type":  eventType,
			"email": ev.Email,
			"error": err.Error(),
		})
	}
}
